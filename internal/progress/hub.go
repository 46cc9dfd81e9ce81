package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize is the capacity of the event queue.
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long.
	MaxBatchWait time.Duration
	// SinkTimeout bounds a single Consume call.
	SinkTimeout time.Duration
	// MilestoneWait is how long Emit waits for queue room before dropping
	// a run or sub-item outcome. Other stages are dropped immediately.
	MilestoneWait time.Duration
	// MaxSinkFailures disables a sink after that many consecutive failed
	// batches. Zero never disables.
	MaxSinkFailures int
	Logger          *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultMilestoneWait  = time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.MilestoneWait < 0 {
		c.MilestoneWait = 0
	} else if c.MilestoneWait == 0 {
		c.MilestoneWait = defaultMilestoneWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// milestone reports whether a stage records an outcome the ledger and the
// status endpoint depend on.
func milestone(s Stage) bool {
	switch s {
	case StageRunStart, StageRunDone, StageRunError,
		StageSubItemDone, StageSubItemSkipped, StageSubItemError:
		return true
	}
	return false
}

// outlet is a sink plus its delivery health. Only the hub goroutine
// touches it.
type outlet struct {
	sink     Sink
	name     string
	failures int
	disabled bool
}

// Hub delivers Events to sinks in batches from one background goroutine.
// Emit is safe for concurrent use. A full queue drops chatter at once and
// holds milestones for at most MilestoneWait.
type Hub struct {
	cfg     Config
	logger  *zap.Logger
	outlets []*outlet
	events  chan Event
	stop    chan struct{}
	done    chan struct{}

	dropped atomic.Int64
	closed  atomic.Bool
	dropLog rate.Sometimes

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts delivery to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		h.outlets = append(h.outlets, &outlet{sink: s, name: fmt.Sprintf("%T", s)})
	}
	go h.loop()
	return h
}

// Emit queues evt for delivery. Invalid events and events emitted after
// Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if milestone(evt.Stage) && h.cfg.MilestoneWait > 0 && h.hold(evt) {
		return
	}
	n := h.dropped.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress queue full, dropping events",
			zap.String("stage", string(evt.Stage)),
			zap.Int64("dropped_total", n))
	})
}

func (h *Hub) hold(evt Event) bool {
	t := time.NewTimer(h.cfg.MilestoneWait)
	defer t.Stop()
	select {
	case h.events <- evt:
		return true
	case <-t.C:
	case <-h.stop:
	}
	return false
}

// Dropped reports how many events were discarded on a full queue.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Disabled lists the sinks switched off after repeated failures.
func (h *Hub) Disabled() []string {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
	default:
		return nil
	}
	var names []string
	for _, o := range h.outlets {
		if o.disabled {
			names = append(names, o.name)
		}
	}
	return names
}

// Close stops intake, delivers what is queued, closes the sinks and waits
// for the hub goroutine or ctx. It is safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	var timer *time.Timer
	send := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			// A finished run is flushed at once so the status endpoint
			// and ledger agree with the process exit.
			if len(pending) >= h.cfg.MaxBatchEvents || evt.Stage == StageRunDone || evt.Stage == StageRunError {
				send()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			send()
		case <-h.stop:
			for {
				select {
				case evt := <-h.events:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						send()
					}
					continue
				default:
				}
				break
			}
			send()
			h.shutdown()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]Event(nil), batch...)
	for _, o := range h.outlets {
		if o.disabled {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		err := o.sink.Consume(ctx, snapshot)
		cancel()
		if err == nil {
			o.failures = 0
			continue
		}
		o.failures++
		h.logger.Warn("progress sink consume failed",
			zap.String("sink", o.name), zap.Int("consecutive", o.failures), zap.Error(err))
		if h.cfg.MaxSinkFailures > 0 && o.failures >= h.cfg.MaxSinkFailures {
			o.disabled = true
			h.logger.Error("progress sink disabled", zap.String("sink", o.name))
		}
	}
}

func (h *Hub) shutdown() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, o := range h.outlets {
		if err := o.sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", o.name), zap.Error(err))
		}
	}
}
