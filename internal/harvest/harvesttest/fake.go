// Package harvesttest provides a scriptable in-memory browser for exercising
// pipeline stages without Chrome.
package harvesttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Site describes what a page shows once loaded.
type Site struct {
	// Attrs is keyed by Key(selector, attr).
	Attrs map[string][]string
	// Visible lists selectors WaitVisible accepts. Link selectors are visible too.
	Visible []string
	// Links maps a clickable selector to the site key shown after the click.
	// An empty target leaves the page where it is.
	Links map[string]string
	// Text is returned by Page.Text.
	Text string
	// Requests are reported to observers when the site is loaded.
	Requests []string
	// ClickRequests are reported to observers when the selector is clicked.
	ClickRequests map[string][]string
}

// Key builds the Site.Attrs key for selector and attr.
func Key(selector, attr string) string {
	return selector + "@" + attr
}

// Script is shared by every tab of a Browser.
type Script struct {
	Sites map[string]*Site
	// NavigateErr, when set, may fail the n-th navigation (1-based) to url.
	NavigateErr func(url string, n int) error
	// ClickErr, when set, may fail a click before it happens.
	ClickErr func(selector string) error
	// TextErr, when set, may fail reading the text of url.
	TextErr func(url string) error
	// IdleErr, when set, is returned by WaitNetworkIdle.
	IdleErr error
}

// Browser hands out Pages that share one Script.
type Browser struct {
	Script *Script

	mu   sync.Mutex
	tabs []*Page
	err  error
}

// NewBrowser returns a Browser for script.
func NewBrowser(script *Script) *Browser {
	return &Browser{Script: script}
}

// FailNewTab makes every later NewTab call return err.
func (b *Browser) FailNewTab(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// NewTab implements harvest.Browser.
func (b *Browser) NewTab(_ context.Context) (harvest.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	p := NewPage(b.Script)
	b.tabs = append(b.tabs, p)
	return p, nil
}

// Tabs returns every tab opened so far.
func (b *Browser) Tabs() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.tabs...)
}

// Page is a fake harvest.Tab.
type Page struct {
	script *Script

	mu        sync.Mutex
	current   string
	visits    []string
	counts    map[string]int
	clicks    []string
	closed    int
	observers map[int]func(string)
	nextObs   int
}

var _ harvest.Tab = (*Page)(nil)

// NewPage returns a standalone page driven by script.
func NewPage(script *Script) *Page {
	return &Page{
		script:    script,
		counts:    make(map[string]int),
		observers: make(map[int]func(string)),
	}
}

func (p *Page) site(key string) *Site {
	if s, ok := p.script.Sites[key]; ok && s != nil {
		return s
	}
	return &Site{}
}

// Navigate implements harvest.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.counts[url]++
	n := p.counts[url]
	p.visits = append(p.visits, url)
	p.mu.Unlock()

	if p.script.NavigateErr != nil {
		if err := p.script.NavigateErr(url, n); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.current = url
	p.mu.Unlock()
	p.emit(p.site(url).Requests)
	return nil
}

// WaitNetworkIdle implements harvest.Page.
func (p *Page) WaitNetworkIdle(ctx context.Context, _, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.script.IdleErr
}

// WaitVisible implements harvest.Page.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := p.site(p.Current())
	for _, v := range s.Visible {
		if v == selector {
			return nil
		}
	}
	if _, ok := s.Links[selector]; ok {
		return nil
	}
	return fmt.Errorf("wait visible %q on %q: timed out", selector, p.Current())
}

// Click implements harvest.Page.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.script.ClickErr != nil {
		if err := p.script.ClickErr(selector); err != nil {
			return err
		}
	}
	s := p.site(p.Current())
	target, ok := s.Links[selector]
	if !ok {
		return fmt.Errorf("click %q: %w", selector, harvest.ErrElementNotFound)
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	if target != "" {
		p.current = target
	}
	p.mu.Unlock()
	p.emit(s.ClickRequests[selector])
	return nil
}

// Attributes implements harvest.Page.
func (p *Page) Attributes(ctx context.Context, selector, attr string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), p.site(p.Current()).Attrs[Key(selector, attr)]...), nil
}

// Text implements harvest.Page.
func (p *Page) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cur := p.Current()
	if p.script.TextErr != nil {
		if err := p.script.TextErr(cur); err != nil {
			return "", err
		}
	}
	return p.site(cur).Text, nil
}

// ObserveRequests implements harvest.RequestObserver.
func (p *Page) ObserveRequests(fn func(string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.observers, id)
	}
}

// Emit reports url to every observer as if the page had requested it.
func (p *Page) Emit(url string) {
	p.emit([]string{url})
}

func (p *Page) emit(urls []string) {
	if len(urls) == 0 {
		return
	}
	p.mu.Lock()
	fns := make([]func(string), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, u := range urls {
		for _, fn := range fns {
			fn(u)
		}
	}
}

// Close implements harvest.Tab.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

// Current returns the site key currently shown.
func (p *Page) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Visits returns every URL Navigate was called with, failures included.
func (p *Page) Visits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

// Clicks returns every selector successfully clicked.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Closed reports how many times Close was called.
func (p *Page) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Observers reports how many request observers are attached.
func (p *Page) Observers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}
