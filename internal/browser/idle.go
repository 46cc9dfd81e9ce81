package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

const idlePollInterval = 50 * time.Millisecond

// requestTracker counts in-flight requests of one tab from its network events.
type requestTracker struct {
	now func() time.Time

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	changed  time.Time
}

func newRequestTracker(now func() time.Time) *requestTracker {
	return &requestTracker{
		now:      now,
		inflight: make(map[network.RequestID]struct{}),
		changed:  now(),
	}
}

func (r *requestTracker) handle(ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		r.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(r.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(r.inflight, e.RequestID)
	case *page.EventFrameNavigated:
		// A new main document abandons whatever the previous one had pending.
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		clear(r.inflight)
	default:
		return
	}
	r.changed = r.now()
}

// idle reports whether nothing has been in flight for at least d.
func (r *requestTracker) idle(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight) == 0 && r.now().Sub(r.changed) >= d
}

func (r *requestTracker) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *requestTracker) waitIdle(ctx context.Context, idle, timeout time.Duration) error {
	if r.idle(idle) {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s (%d pending)", ErrNetworkIdleTimeout, timeout, r.pending())
		case <-ticker.C:
			if r.idle(idle) {
				return nil
			}
		}
	}
}
