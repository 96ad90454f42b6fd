package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// NetworkMonitor reports whether the wide-area link is usable.
type NetworkMonitor interface {
	Up() bool
}

// DoneFunc receives the result of a queued exchange. It runs on the
// worker's goroutine.
type DoneFunc func(resp *Response, err error)

type job struct {
	req  *Request
	done DoneFunc
}

// Worker performs queued exchanges on its own goroutine so producers never
// block on the network. The mailbox holds a single request.
type Worker struct {
	poster  Poster
	network NetworkMonitor
	logger  *slog.Logger
	mailbox chan job

	mu       sync.Mutex
	onUpdate func()
}

// NewWorker creates a Worker posting through p. A nil network monitor
// treats the link as always up.
func NewWorker(p Poster, network NetworkMonitor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		poster:  p,
		network: network,
		logger:  logger,
		mailbox: make(chan job, 1),
	}
}

// Submit queues req. It returns false without blocking when a request is
// already waiting.
func (w *Worker) Submit(req *Request, done DoneFunc) bool {
	select {
	case w.mailbox <- job{req: req, done: done}:
		return true
	default:
		return false
	}
}

// OnUpdate registers fn to run, on the worker's goroutine and before the
// job's DoneFunc, whenever a queued exchange returns ErrUpdateRequested.
func (w *Worker) OnUpdate(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = fn
}

// Run serves the mailbox until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.mailbox:
			w.serve(ctx, j)
		}
	}
}

func (w *Worker) serve(ctx context.Context, j job) {
	var (
		resp *Response
		err  error
	)
	if w.network != nil && !w.network.Up() {
		err = ErrNetworkDown
	} else {
		resp, err = w.poster.Post(ctx, j.req)
	}
	if err != nil {
		w.logger.Debug("queued exchange failed", "resource", j.req.Resource, "error", err)
	}
	if errors.Is(err, ErrUpdateRequested) {
		w.mu.Lock()
		fn := w.onUpdate
		w.mu.Unlock()
		w.logger.Warn("firmware update requested", "resource", j.req.Resource)
		if fn != nil {
			fn()
		}
	}
	if j.done != nil {
		j.done(resp, err)
	}
}
