package connection

// State is the link state.
type State uint8

const (
	// StateInitial resets the broker client.
	StateInitial State = iota

	// StateAwaitingTime waits for the network and a time sync.
	StateAwaitingTime

	// StateFetchingCredentials requests a credential set.
	StateFetchingCredentials

	// StatePreConnectDelay pauses once after the first credential fetch.
	StatePreConnectDelay

	// StateConnecting opens the broker session.
	StateConnecting

	// StateSubscribing subscribes the hub's topics.
	StateSubscribing

	// StateConnected publishes and receives.
	StateConnected

	// StateDisconnecting closes the broker session.
	StateDisconnecting

	// StateStopped is final. It is entered on a firmware update directive.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateAwaitingTime:
		return "AWAITING_TIME"
	case StateFetchingCredentials:
		return "FETCHING_CREDENTIALS"
	case StatePreConnectDelay:
		return "PRE_CONNECT_DELAY"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
