package progress

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Reporter stamps events with the run and worker before handing them to an
// Emitter. A nil Reporter discards everything.
type Reporter struct {
	emitter Emitter
	runID   [16]byte
	worker  int
	now     func() time.Time
}

// NewReporter returns a Reporter for one worker of one run.
func NewReporter(emitter Emitter, runID uuid.UUID, worker int) *Reporter {
	return &Reporter{
		emitter: emitter,
		runID:   UUIDToBytes(runID),
		worker:  worker,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunID returns the run this reporter belongs to.
func (r *Reporter) RunID() uuid.UUID {
	return uuid.UUID(r.runID)
}

func (r *Reporter) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.Worker = r.worker
	evt.TS = r.now()
	r.emitter.Emit(evt)
}

// RunStart marks the beginning of the run.
func (r *Reporter) RunStart() {
	r.emit(Event{Stage: StageRunStart})
}

// RunDone marks a run that processed its whole shard.
func (r *Reporter) RunDone(dur time.Duration) {
	r.emit(Event{Stage: StageRunDone, Dur: dur})
}

// RunError marks a run that stopped early.
func (r *Reporter) RunError(dur time.Duration, err error) {
	r.emit(Event{Stage: StageRunError, Dur: dur, Note: errNote(err)})
}

// ItemStart marks the expansion of a catalog item.
func (r *Reporter) ItemStart(url string) {
	r.emit(Event{Stage: StageItemStart, URL: url})
}

// SubItemDone marks a fully written sub-item.
func (r *Reporter) SubItemDone(url string, bytes int64, attempt int, dur time.Duration) {
	r.emit(Event{Stage: StageSubItemDone, URL: url, Bytes: bytes, Attempt: attempt, Dur: dur})
}

// SubItemSkipped marks a sub-item completed by an earlier run.
func (r *Reporter) SubItemSkipped(url string) {
	r.emit(Event{Stage: StageSubItemSkipped, URL: url})
}

// SubItemError marks a sub-item given up on.
func (r *Reporter) SubItemError(url string, attempt int, dur time.Duration, err error) {
	r.emit(Event{Stage: StageSubItemError, URL: url, Attempt: attempt, Dur: dur, Note: errNote(err)})
}

// AttemptFailed marks one failed extraction attempt that will be retried.
func (r *Reporter) AttemptFailed(url string, attempt int, err error) {
	r.emit(Event{Stage: StageAttemptFailed, URL: url, Attempt: attempt, Note: errNote(err)})
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	const limit = 512
	// Notes end up in a Postgres text column, which rejects invalid UTF-8.
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
