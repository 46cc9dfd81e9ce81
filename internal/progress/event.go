// Package progress defines the event structures emitted while a harvest runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StageItemStart      Stage = "ITEM_START"
	StageSubItemDone    Stage = "SUBITEM_DONE"
	StageSubItemSkipped Stage = "SUBITEM_SKIPPED"
	StageSubItemError   Stage = "SUBITEM_ERROR"
	StageAttemptFailed  Stage = "ATTEMPT_FAILED"
)

// Event captures a single milestone of a harvest run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Worker is the shard index of the emitting process.
	Worker int
	// URL is the item or sub-item the event is about.
	URL string
	// Bytes is the size of the downloaded media for completed sub-items.
	Bytes int64
	// Attempt counts extraction attempts, starting at 1.
	Attempt int
	// Dur captures the sub-item or run duration.
	Dur time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageItemStart, StageSubItemDone, StageSubItemSkipped, StageSubItemError, StageAttemptFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Worker < 0 {
		return errors.New("worker must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
