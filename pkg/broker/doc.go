// Package broker holds the hub's MQTT session with the cloud broker.
//
// The Client interface is what the connection state machine drives:
// connect with a last-will message, subscribe to the hub's topic tree,
// publish QoS 1 messages and yield to collect inbound traffic. PahoClient
// implements it over github.com/eclipse/paho.mqtt.golang with automatic
// reconnection disabled, so that reconnection pacing stays with the state
// machine's backoff.
//
// Inbound messages are delivered on a bounded channel. When the channel is
// full further messages are dropped and counted.
package broker
