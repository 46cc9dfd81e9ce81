package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// Status is a point-in-time view of the current run.
type Status struct {
	RunID           uuid.UUID  `json:"run_id"`
	Worker          int        `json:"worker"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CurrentItem     string     `json:"current_item,omitempty"`
	ItemsStarted    int        `json:"items_started"`
	SubItemsDone    int        `json:"subitems_done"`
	SubItemsSkipped int        `json:"subitems_skipped"`
	SubItemsFailed  int        `json:"subitems_failed"`
	AttemptsFailed  int        `json:"attempts_failed"`
	BytesTotal      int64      `json:"bytes_total"`
	LastError       string     `json:"last_error,omitempty"`
	LastUpdate      time.Time  `json:"last_update"`
}

// StatusSink folds events into the latest Status for the ops endpoint.
type StatusSink struct {
	mu     sync.RWMutex
	status Status
	seen   bool
}

// NewStatusSink returns an empty StatusSink.
func NewStatusSink() *StatusSink {
	return &StatusSink{}
}

// Consume applies each event to the running snapshot.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatusSink) apply(evt progress.Event) {
	st := &s.status
	if evt.Stage == progress.StageRunStart {
		*st = Status{
			RunID:     evt.RunUUID(),
			Worker:    evt.Worker,
			State:     "running",
			StartedAt: evt.TS,
		}
		s.seen = true
	}
	st.LastUpdate = evt.TS
	switch evt.Stage {
	case progress.StageItemStart:
		st.ItemsStarted++
		st.CurrentItem = evt.URL
	case progress.StageSubItemDone:
		st.SubItemsDone++
		st.BytesTotal += evt.Bytes
	case progress.StageSubItemSkipped:
		st.SubItemsSkipped++
	case progress.StageSubItemError:
		st.SubItemsFailed++
		st.LastError = evt.Note
	case progress.StageAttemptFailed:
		st.AttemptsFailed++
		st.LastError = evt.Note
	case progress.StageRunDone, progress.StageRunError:
		ts := evt.TS
		st.FinishedAt = &ts
		st.CurrentItem = ""
		st.State = "success"
		if evt.Stage == progress.StageRunError {
			st.State = "error"
			st.LastError = evt.Note
		}
	}
}

// Snapshot returns a copy of the latest status and whether a run has started.
func (s *StatusSink) Snapshot() (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.status
	if out.FinishedAt != nil {
		ts := *out.FinishedAt
		out.FinishedAt = &ts
	}
	return out, s.seen
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
