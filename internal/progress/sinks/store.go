package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// StoreSink persists run and sub-item outcomes via a store.ProgressRepository.
// Attempt and item events are not persisted.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in order. It stops at the first
// repository error and returns it.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consume(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consume(ctx context.Context, evt progress.Event) error {
	runID := evt.RunUUID()
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.UpsertRunStart(ctx, runID, evt.Worker, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageRunDone:
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageRunError:
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunError, note(evt)); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageSubItemDone, progress.StageSubItemSkipped, progress.StageSubItemError:
		rec := store.SubItemRecord{
			RunID:      runID,
			URL:        evt.URL,
			Status:     subItemStatus(evt.Stage),
			Attempts:   evt.Attempt,
			Bytes:      evt.Bytes,
			Duration:   evt.Dur,
			FinishedAt: evt.TS,
			Note:       note(evt),
		}
		if err := s.repo.RecordSubItem(ctx, rec); err != nil {
			return fmt.Errorf("record sub-item: %w", err)
		}
	}
	return nil
}

func subItemStatus(stage progress.Stage) store.SubItemStatus {
	switch stage {
	case progress.StageSubItemDone:
		return store.SubItemDone
	case progress.StageSubItemSkipped:
		return store.SubItemSkipped
	default:
		return store.SubItemFailed
	}
}

func note(evt progress.Event) *string {
	if evt.Note == "" {
		return nil
	}
	n := evt.Note
	return &n
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
