package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorder_DeliversInOrderAndCloses(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, nil)
	r.Record(Event{Type: EventLaunched, PID: 10})
	r.Record(Event{Type: EventExited, PID: 10, ExitCode: 2})

	require.NoError(t, r.Close(context.Background()))
	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, EventLaunched, got[0].Type)
	assert.Equal(t, 2, got[1].ExitCode)
	assert.False(t, got[0].OccurredAt.IsZero())
	assert.True(t, sink.closed)

	r.Record(Event{Type: EventRestart})
	assert.Len(t, sink.snapshot(), 2, "events after close are discarded")
	assert.NoError(t, r.Close(context.Background()))
}

func TestRecorder_SinkErrorsDoNotStopDelivery(t *testing.T) {
	sink := &memSink{err: errors.New("down")}
	r := NewRecorder(sink, nil)
	r.Record(Event{Type: EventHealthFailed})
	r.Record(Event{Type: EventRestart})
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.snapshot(), 2)
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.Record(Event{Type: EventLaunched})
	assert.NoError(t, r.Close(context.Background()))
	assert.Nil(t, r.Sink())
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	b := blockingSink{release: make(chan struct{})}
	defer close(b.release)
	r := NewRecorder(b, nil)
	r.Record(Event{Type: EventLaunched})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}
