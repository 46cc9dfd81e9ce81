// Package capture records the API calls a tab makes while a sub-item plays.
package capture

import (
	"strings"
	"sync"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// List is an insertion-ordered set of URLs. Duplicates are dropped by exact
// string comparison.
type List struct {
	mu    sync.Mutex
	items []string
	seen  map[string]struct{}
}

// NewList returns an empty List.
func NewList() *List {
	return &List{seen: make(map[string]struct{})}
}

// Add appends url unless it is already present and reports whether it was added.
func (l *List) Add(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[url]; ok {
		return false
	}
	l.seen[url] = struct{}{}
	l.items = append(l.items, url)
	return true
}

// Len returns the number of distinct URLs.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Snapshot returns a copy of the URLs in first-seen order.
func (l *List) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

// Capture binds a List to one tab for the duration of one extraction attempt.
type Capture struct {
	prefix string
	list   *List

	mu     sync.Mutex
	closed bool
	stop   func()
}

// Attach starts recording every request from obs whose URL starts with prefix.
// It must be called before the navigation that triggers the traffic. The
// returned Capture must be closed on every exit path.
func Attach(obs harvest.RequestObserver, prefix string) *Capture {
	c := &Capture{prefix: prefix, list: NewList()}
	c.stop = obs.ObserveRequests(c.observe)
	return c
}

func (c *Capture) observe(url string) {
	if !strings.HasPrefix(url, c.prefix) {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.list.Add(url)
}

// URLs returns the captured URLs in first-seen order.
func (c *Capture) URLs() []string {
	return c.list.Snapshot()
}

// Close detaches the listener. Safe to call more than once.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}
