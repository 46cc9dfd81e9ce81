package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSubItemDone))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

// TestHubDiscardsInvalidEvents keeps malformed events away from sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageRunStart})
	noURL := sampleEvent(StageSubItemDone)
	noURL.URL = ""
	hub.Emit(noURL)

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageRunDone))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

// TestHubSinkErrorDoesNotStopDelivery keeps feeding other sinks when one fails.
func TestHubSinkErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	bad := sinkFunc(func(context.Context, []Event) error { return errors.New("db down") })
	hub := NewHub(Config{MaxBatchEvents: 1}, bad, good)

	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

// TestHubFlushesFinishedRun delivers a run outcome without waiting for the batch timer.
func TestHubFlushesFinishedRun(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubHoldsMilestonesOnFullQueue(t *testing.T) {
	t.Parallel()

	gate := newGateSink()
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MilestoneWait: 5 * time.Second}, gate)

	hub.Emit(sampleEvent(StageItemStart))
	<-gate.entered
	hub.Emit(sampleEvent(StageItemStart))
	hub.Emit(sampleEvent(StageAttemptFailed))
	require.Equal(t, int64(1), hub.Dropped(), "chatter is dropped on a full queue")

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate.release)
	}()
	hub.Emit(sampleEvent(StageSubItemDone))
	require.Equal(t, int64(1), hub.Dropped(), "milestones wait for room")

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 3, gate.Count())
}

func TestHubDisablesFailingSink(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	bad := sinkFunc(func(context.Context, []Event) error {
		calls.Add(1)
		return errors.New("db down")
	})
	good := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1, MaxSinkFailures: 2}, bad, good)
	require.Nil(t, hub.Disabled(), "nothing is reported while running")

	for range 4 {
		hub.Emit(sampleEvent(StageSubItemDone))
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, int32(2), calls.Load())
	require.Len(t, good.Batches(), 4)
	require.Equal(t, []string{"progress.sinkFunc"}, hub.Disabled())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageRunStart).Validate())
	require.NoError(t, sampleEvent(StageAttemptFailed).Validate())

	unknown := sampleEvent("BOGUS")
	require.Error(t, unknown.Validate())

	negative := sampleEvent(StageSubItemDone)
	negative.Dur = -time.Second
	require.Error(t, negative.Validate())

	noTS := sampleEvent(StageRunStart)
	noTS.TS = time.Time{}
	require.Error(t, noTS.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
		URL:   "https://example.com/es/learn/video/course/intro",
	}
}

type gateSink struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events int
}

func newGateSink() *gateSink {
	return &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateSink) Consume(_ context.Context, batch []Event) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	g.mu.Lock()
	g.events += len(batch)
	g.mu.Unlock()
	return nil
}

func (g *gateSink) Close(context.Context) error { return nil }

func (g *gateSink) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.events
}
