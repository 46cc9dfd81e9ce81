package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the harvest_runs.status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// SubItemStatus mirrors the harvest_subitems.status column.
type SubItemStatus string

// Sub-item outcomes persisted in harvest_subitems.status.
const (
	SubItemDone    SubItemStatus = "done"
	SubItemSkipped SubItemStatus = "skipped"
	SubItemFailed  SubItemStatus = "failed"
)

// Run models one row of harvest_runs.
type Run struct {
	// ID is the run identifier shared by every event of the run.
	ID uuid.UUID
	// Worker is the shard index that executed the run.
	Worker int
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// SubItemsDone and BytesTotal aggregate the run's completed sub-items.
	SubItemsDone int64
	BytesTotal   int64
}

// SubItemRecord models one row of harvest_subitems.
type SubItemRecord struct {
	RunID      uuid.UUID
	URL        string
	Status     SubItemStatus
	Attempts   int
	Bytes      int64
	Duration   time.Duration
	FinishedAt time.Time
	Note       *string
}

// ProgressRepository persists the run ledger.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run as running.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, worker int, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// RecordSubItem stores the outcome of one sub-item and updates the run totals.
	RecordSubItem(ctx context.Context, rec SubItemRecord) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSubItems returns the sub-item outcomes of one run.
	ListRunSubItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SubItemRecord, error)
}
