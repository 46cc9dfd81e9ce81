package harvest

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementNotFound reports that a selector matched nothing.
	ErrElementNotFound = errors.New("element not found")
	// ErrNetworkIdleTimeout reports that a tab never went quiet in time.
	ErrNetworkIdleTimeout = errors.New("network idle timeout")
)

// Page is a single browser tab as seen by the pipeline stages. Navigate is a
// single attempt; retrying is the Navigator's job.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitNetworkIdle blocks until no request has been in flight for idle,
	// giving up after timeout.
	WaitNetworkIdle(ctx context.Context, idle, timeout time.Duration) error
	// WaitVisible blocks until selector matches a visible element.
	WaitVisible(ctx context.Context, selector string) error
	// Click clicks the first element matching selector without waiting for it
	// to appear. A missing element is reported as an error.
	Click(ctx context.Context, selector string) error
	// Attributes returns attr of every element matching selector, in DOM order.
	Attributes(ctx context.Context, selector, attr string) ([]string, error)
	// Text returns the rendered text of the whole document.
	Text(ctx context.Context) (string, error)
}

// RequestObserver delivers the URL of every outgoing request from a tab to fn
// until the returned stop function is called.
type RequestObserver interface {
	ObserveRequests(fn func(url string)) (stop func())
}

// Tab is a page that can also be observed and closed.
type Tab interface {
	Page
	RequestObserver
	Close()
}

// Browser hands out dedicated tabs.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
}

// Navigator loads a url into a page, retrying as it sees fit.
type Navigator interface {
	Navigate(ctx context.Context, page Page, url string) error
}
