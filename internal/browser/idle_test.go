package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTrackerIdleAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tr := newRequestTracker(clk.Now)

	tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "2"})
	clk.Advance(2 * time.Second)
	require.False(t, tr.idle(time.Second), "requests still pending")

	tr.handle(&network.EventLoadingFinished{RequestID: "1"})
	tr.handle(&network.EventLoadingFailed{RequestID: "2"})
	require.False(t, tr.idle(time.Second), "quiet period not yet elapsed")

	clk.Advance(time.Second)
	require.True(t, tr.idle(time.Second))
}

func TestTrackerMainFrameNavigationClearsPending(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tr := newRequestTracker(clk.Now)

	tr.handle(&network.EventRequestWillBeSent{RequestID: "stream"})
	tr.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "main"}})
	require.Equal(t, 1, tr.pending())

	tr.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main"}})
	require.Equal(t, 0, tr.pending())
}

func TestTrackerIgnoresUnrelatedEvents(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tr := newRequestTracker(clk.Now)
	clk.Advance(time.Second)

	tr.handle(&network.EventResponseReceived{RequestID: "1"})
	require.True(t, tr.idle(time.Second))
}

func TestWaitIdleTimesOut(t *testing.T) {
	t.Parallel()

	tr := newRequestTracker(time.Now)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "never-finishes"})

	err := tr.waitIdle(context.Background(), 10*time.Millisecond, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrNetworkIdleTimeout)
}

func TestWaitIdleReturnsOnceQuiet(t *testing.T) {
	t.Parallel()

	tr := newRequestTracker(time.Now)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	go func() {
		time.Sleep(60 * time.Millisecond)
		tr.handle(&network.EventLoadingFinished{RequestID: "1"})
	}()

	require.NoError(t, tr.waitIdle(context.Background(), 20*time.Millisecond, 2*time.Second))
}

func TestWaitIdleHonorsCancellation(t *testing.T) {
	t.Parallel()

	tr := newRequestTracker(time.Now)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.waitIdle(ctx, time.Millisecond, time.Minute)
	require.True(t, errors.Is(err, context.Canceled))
}
