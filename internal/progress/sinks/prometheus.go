package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	itemsStarted    *prometheus.CounterVec
	subItems        *prometheus.CounterVec
	attemptsFailed  *prometheus.CounterVec
	bytesDownloaded *prometheus.CounterVec
	subItemDuration prometheus.Histogram
	attemptsPerDone prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"result"}),
		itemsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_started_total",
			Help: "Catalog items expanded, per worker.",
		}, []string{"worker"}),
		subItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_subitems_total",
			Help: "Sub-items finished partitioned by worker and outcome.",
		}, []string{"worker", "outcome"}),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_attempts_failed_total",
			Help: "Extraction attempts that failed and were retried.",
		}, []string{"worker"}),
		bytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_bytes_downloaded_total",
			Help: "Media bytes written, per worker.",
		}, []string{"worker"}),
		subItemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_subitem_duration_seconds",
			Help:    "Time from first attempt to completion per sub-item.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		attemptsPerDone: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_subitem_attempts",
			Help:    "Extraction attempts needed per completed sub-item.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.itemsStarted,
		s.subItems,
		s.attemptsFailed,
		s.bytesDownloaded,
		s.subItemDuration,
		s.attemptsPerDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	worker := strconv.Itoa(evt.Worker)
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageItemStart:
		s.itemsStarted.WithLabelValues(worker).Inc()
	case progress.StageSubItemDone:
		s.subItems.WithLabelValues(worker, "done").Inc()
		if evt.Bytes > 0 {
			s.bytesDownloaded.WithLabelValues(worker).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.subItemDuration.Observe(evt.Dur.Seconds())
		}
		if evt.Attempt > 0 {
			s.attemptsPerDone.Observe(float64(evt.Attempt))
		}
	case progress.StageSubItemSkipped:
		s.subItems.WithLabelValues(worker, "skipped").Inc()
	case progress.StageSubItemError:
		s.subItems.WithLabelValues(worker, "error").Inc()
	case progress.StageAttemptFailed:
		s.attemptsFailed.WithLabelValues(worker).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
