// Package browser drives headless Chrome through chromedp. A Session owns one
// browser process; every extraction borrows its own Tab.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Sentinels shared with the pipeline stages.
var (
	ErrElementNotFound    = harvest.ErrElementNotFound
	ErrNetworkIdleTimeout = harvest.ErrNetworkIdleTimeout
)

// Config controls the browser process and per-operation timeouts.
type Config struct {
	Headless          bool
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
}

// Session is a single Chrome instance shared by every tab of a run.
type Session struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	cookies       []*network.CookieParam
}

var _ harvest.Browser = (*Session)(nil)

// NewSession launches Chrome and waits until it accepts commands.
func NewSession(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Session{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// SetCookies makes every tab opened afterwards start with cookies.
func (s *Session) SetCookies(cookies []Cookie) {
	s.cookies = ToParams(cookies)
}

// CaptureCookies opens url in a new tab, gives the operator wait to log in by
// hand and returns every cookie the browser holds afterwards.
func (s *Session) CaptureCookies(ctx context.Context, url string, wait time.Duration) ([]Cookie, error) {
	tab, err := s.newTab(ctx)
	if err != nil {
		return nil, err
	}
	defer tab.Close()
	if err := tab.Navigate(ctx, url); err != nil {
		return nil, err
	}
	s.logger.Info("waiting for manual login", zap.String("url", url), zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return tab.Cookies(ctx)
}

// Close shuts the browser down.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.browserCancel()
	s.allocCancel()
}

// NewTab opens a fresh tab with the network domain enabled and the session
// cookies injected. Canceling ctx closes the tab.
func (s *Session) NewTab(ctx context.Context) (harvest.Tab, error) {
	return s.newTab(ctx)
}

func (s *Session) newTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	t := &Tab{
		ctx:     tabCtx,
		cancel:  cancel,
		cfg:     s.cfg,
		tracker: newRequestTracker(time.Now),
	}
	t.stopForward = context.AfterFunc(ctx, cancel)
	chromedp.ListenTarget(tabCtx, t.tracker.handle)

	actions := []chromedp.Action{network.Enable()}
	if len(s.cookies) > 0 {
		actions = append(actions, network.SetCookies(s.cookies))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		t.Close()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return t, nil
}

// Tab is one Chrome target. It implements harvest.Tab.
type Tab struct {
	ctx         context.Context
	cancel      context.CancelFunc
	stopForward func() bool
	cfg         Config
	tracker     *requestTracker
}

var _ harvest.Tab = (*Tab)(nil)

// Close closes the Chrome target.
func (t *Tab) Close() {
	if t.stopForward != nil {
		t.stopForward()
	}
	t.cancel()
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate loads url and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, t.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitNetworkIdle polls the tab's request tracker until it reports idle.
func (t *Tab) WaitNetworkIdle(ctx context.Context, idle, timeout time.Duration) error {
	return t.tracker.waitIdle(ctx, idle, timeout)
}

// WaitVisible waits for selector to match a visible element.
func (t *Tab) WaitVisible(ctx context.Context, selector string) error {
	if err := t.run(ctx, t.cfg.SelectorTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %q: %w", selector, err)
	}
	return nil
}

// Click clicks the first match of selector, failing fast when there is none.
func (t *Tab) Click(ctx context.Context, selector string) error {
	var nodes []*cdp.Node
	if err := t.run(ctx, t.cfg.SelectorTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	); err != nil {
		return fmt.Errorf("query %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("click %q: %w", selector, ErrElementNotFound)
	}
	if err := t.run(ctx, t.cfg.SelectorTimeout, chromedp.MouseClickNode(nodes[0])); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Attributes reads attr from every element matching selector.
func (t *Tab) Attributes(ctx context.Context, selector, attr string) ([]string, error) {
	expr, err := attributesExpr(selector, attr)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := t.run(ctx, t.cfg.SelectorTimeout, chromedp.Evaluate(expr, &values)); err != nil {
		return nil, fmt.Errorf("read %s of %q: %w", attr, selector, err)
	}
	return values, nil
}

// Text returns the rendered text of the document element.
func (t *Tab) Text(ctx context.Context) (string, error) {
	var text string
	expr := `document.documentElement ? document.documentElement.innerText : ""`
	if err := t.run(ctx, t.cfg.SelectorTimeout, chromedp.Evaluate(expr, &text)); err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return text, nil
}

// ObserveRequests reports every outgoing request URL to fn. Requests are not
// paused or modified.
func (t *Tab) ObserveRequests(fn func(url string)) func() {
	listenCtx, cancel := context.WithCancel(t.ctx)
	chromedp.ListenTarget(listenCtx, func(ev any) {
		if listenCtx.Err() != nil {
			return
		}
		if req, ok := ev.(*network.EventRequestWillBeSent); ok && req.Request != nil {
			fn(req.Request.URL)
		}
	})
	return cancel
}

// Cookies returns every cookie the browser currently holds.
func (t *Tab) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []*network.Cookie
	err := t.run(ctx, t.cfg.SelectorTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return FromNetwork(cookies), nil
}

func attributesExpr(selector, attr string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	name, err := json.Marshal(attr)
	if err != nil {
		return "", fmt.Errorf("encode attribute: %w", err)
	}
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s), el => el.getAttribute(%s)).filter(v => v !== null)`,
		sel, name,
	), nil
}
