package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/juju/clock"

	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/signing"
)

// Defaults.
const (
	DefaultTimeout      = 65 * time.Second
	DefaultMaxClockSkew = 60 * time.Second
	readBufferSize      = 512
)

// Exchange outcomes.
var (
	// ErrUpdateRequested reports an x-update directive. It overrides every
	// other outcome.
	ErrUpdateRequested = errors.New("firmware update requested")

	// ErrStaleResponse reports an x-time too far from the hub clock.
	ErrStaleResponse = errors.New("stale response timestamp")

	// ErrServerError reports a 503/504 or other non-2xx status.
	ErrServerError = errors.New("server error")

	// ErrMissingSignature reports a response without x-signature.
	ErrMissingSignature = errors.New("response not signed")

	// ErrEmptyResponse reports a signed response with content-length 0.
	ErrEmptyResponse = errors.New("empty signed response")

	// ErrSignatureMismatch reports that no verification key matched.
	ErrSignatureMismatch = errors.New("response signature mismatch")

	// ErrShortWrite reports that the request was not written completely.
	ErrShortWrite = errors.New("short write")

	// ErrHeaderOverflow reports a response header beyond the parse limits.
	ErrHeaderOverflow = errors.New("response header too large")

	// ErrResponseTooLarge reports a body beyond the request capacity.
	ErrResponseTooLarge = errors.New("response body too large")

	// ErrMalformedResponse reports framing the parser cannot follow.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNetworkDown reports that the link was down when a queued request
	// came up.
	ErrNetworkDown = errors.New("network down")
)

// Dialer opens byte-stream connections. *tls.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Poster performs signed exchanges. Implemented by Transport.
type Poster interface {
	Post(ctx context.Context, req *Request) (*Response, error)
}

// Config configures a Transport.
type Config struct {
	// Dialer opens the connection. Nil means a TLS dialer with system roots.
	Dialer Dialer

	// Port is used when Request.Host carries none.
	Port int

	// Timeout bounds a whole exchange.
	Timeout time.Duration

	// MaxClockSkew is the largest accepted |x-time - now|.
	MaxClockSkew time.Duration

	// MaxHeaderLine bounds a single response header line.
	MaxHeaderLine int

	// MaxHeaderBytes bounds the whole response header.
	MaxHeaderBytes int

	// Clock supplies the hub time compared against x-time.
	Clock clock.Clock

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// Trace receives one event per exchange. Nil disables tracing.
	Trace log.Logger
}

// DefaultConfig returns the standard transport configuration.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		Timeout:        DefaultTimeout,
		MaxClockSkew:   DefaultMaxClockSkew,
		MaxHeaderLine:  DefaultMaxHeaderLine,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Dialer == nil {
		c.Dialer = NewTLSDialer(nil)
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = d.MaxClockSkew
	}
	if c.MaxHeaderLine <= 0 {
		c.MaxHeaderLine = d.MaxHeaderLine
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.Trace = log.OrNoop(c.Trace)
}

// Transport performs signed exchanges one at a time.
type Transport struct {
	cfg Config
	sem chan struct{}
}

// New creates a Transport.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg: cfg,
		sem: make(chan struct{}, 1),
	}
}

// Post performs one exchange. It waits for any exchange already in flight;
// if ctx ends while waiting, ctx.Err() is returned.
//
// A non-nil Response accompanies protocol outcomes (ErrUpdateRequested,
// ErrStaleResponse, ErrServerError and the signature errors).
func (t *Transport) Post(ctx context.Context, req *Request) (*Response, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	started := time.Now()
	sessionID := log.NewSessionID()
	resp, err := t.exchange(ctx, req, started.Add(t.cfg.Timeout))
	t.trace(sessionID, req, resp, err, time.Since(started))

	if err != nil {
		t.cfg.Logger.Debug("exchange failed", "host", req.Host, "resource", req.Resource, "error", err)
	}
	return resp, err
}

func (t *Transport) exchange(ctx context.Context, req *Request, deadline time.Time) (*Response, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := t.address(req.Host)
	conn, err := t.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	raw := req.encode()
	n, err := conn.Write(raw)
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if n != len(raw) {
		return nil, fmt.Errorf("%w: %d/%d bytes", ErrShortWrite, n, len(raw))
	}

	r := bufio.NewReaderSize(conn, readBufferSize)
	parser := &headerParser{
		r:            r,
		maxLine:      t.cfg.MaxHeaderLine,
		maxBytes:     t.cfg.MaxHeaderBytes,
		now:          t.cfg.Clock.Now,
		maxClockSkew: t.cfg.MaxClockSkew,
	}
	resp := newResponse()
	hasBody, err := parser.parse(resp)
	if err != nil {
		if resp.UpdateRequested {
			return resp, ErrUpdateRequested
		}
		if errors.Is(err, ErrHeaderOverflow) {
			return resp, err
		}
		return resp, fmt.Errorf("read header: %w", err)
	}

	if hasBody {
		limit := req.MaxResponse
		if limit <= 0 {
			limit = DefaultMaxResponse
		}
		if err := readBody(r, resp, limit); err != nil {
			if resp.UpdateRequested {
				return resp, ErrUpdateRequested
			}
			return resp, fmt.Errorf("read body: %w", err)
		}
	}

	if resp.SawSignature && !resp.RejectedStale && len(req.VerifyKeys) > 0 {
		resp.SignatureMatched = verifyResponse(resp, req.VerifyKeys)
	}
	return resp, classify(resp, len(req.VerifyKeys) > 0)
}

// verifyResponse checks the response signature against each key.
func verifyResponse(resp *Response, keys []signing.Key) bool {
	signed := resp.BytesRead
	if resp.ContentLength > 0 {
		signed = resp.ContentLength
	}
	if resp.ContentLength == 0 || signed > len(resp.Body) {
		return false
	}
	block := SignedBlock(resp.UpdateRequested, resp.Encryption, resp.ServerTime, signed, resp.Body)
	_, ok := signing.Verify(keys, block, resp.ReceivedSignature)
	return ok
}

// classify maps a parsed response to its outcome.
func classify(resp *Response, verify bool) error {
	switch {
	case resp.UpdateRequested:
		return ErrUpdateRequested
	case resp.RejectedStale:
		return ErrStaleResponse
	case resp.ServerError:
		return fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	case !verify:
		return nil
	case !resp.SawSignature:
		return ErrMissingSignature
	case resp.ContentLength == 0:
		return ErrEmptyResponse
	case !resp.SignatureMatched:
		return ErrSignatureMismatch
	}
	return nil
}

func (t *Transport) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Outcome names an exchange result for traces and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUpdateRequested):
		return "update"
	case errors.Is(err, ErrStaleResponse):
		return "stale"
	case errors.Is(err, ErrServerError):
		return "server_error"
	case errors.Is(err, ErrMissingSignature):
		return "unsigned"
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	case errors.Is(err, ErrSignatureMismatch):
		return "bad_signature"
	case errors.Is(err, ErrShortWrite):
		return "short_write"
	case errors.Is(err, ErrHeaderOverflow):
		return "header_overflow"
	case errors.Is(err, ErrResponseTooLarge):
		return "too_large"
	case errors.Is(err, ErrNetworkDown):
		return "network_down"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "transport_error"
	}
}

func (t *Transport) trace(sessionID string, req *Request, resp *Response, err error, took time.Duration) {
	x := &log.ExchangeEvent{
		Resource:    req.Resource,
		RequestSize: len(req.Body),
		Signed:      req.SignKey != nil,
		Outcome:     Outcome(err),
		Duration:    took,
	}
	if resp != nil {
		x.ResponseSize = resp.BytesRead
		x.ServerTime = resp.ServerTime
		x.UpdateRequested = resp.UpdateRequested
	}
	t.cfg.Trace.Log(log.Event{
		Timestamp:  t.cfg.Clock.Now(),
		SessionID:  sessionID,
		Direction:  log.DirectionOut,
		Layer:      log.LayerHTTP,
		Category:   log.CategoryExchange,
		RemoteHost: hostOnly(req.Host),
		Exchange:   x,
	})
}

// Compile-time interface check.
var _ Poster = (*Transport)(nil)
