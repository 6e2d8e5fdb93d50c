package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	recorderBuffer = 256
	sendTimeout    = 5 * time.Second
)

// Recorder delivers events to a Sink on its own goroutine so callers never
// block on the sink. Events are dropped when the buffer is full.
// A nil *Recorder discards everything.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	ch     chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sink:   sink,
		logger: logger.With("component", "history"),
		ch:     make(chan Event, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.logger.Warn("history send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Record queues e. OccurredAt defaults to now.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("history buffer full, dropping event", "type", e.Type)
	}
}

// Sink returns the underlying sink.
func (r *Recorder) Sink() Sink {
	if r == nil {
		return nil
	}
	return r.sink
}

// Close drains queued events until ctx is done, then closes the sink if it
// implements io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
