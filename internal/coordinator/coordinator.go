// Package coordinator runs one worker's share of a harvest: it loads or
// discovers the catalog, picks the shard, expands each item and drives every
// sub-item through its extraction attempts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/browser"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// Names of the files written into every sub-item directory.
const (
	ResultsFile  = "res.json"
	CompleteFile = ".complete"
)

// Discoverer walks the catalog listing.
type Discoverer interface {
	Discover(ctx context.Context, page harvest.Page) ([]string, error)
}

// Expander lists the sub-items of one item.
type Expander interface {
	Expand(ctx context.Context, page harvest.Page, itemURL, root string) ([]harvest.SubItem, error)
}

// Resolver opens a sub-item and locates its media.
type Resolver interface {
	Open(ctx context.Context, page harvest.Page, subItemURL string) error
	Locate(ctx context.Context, page harvest.Page, subItemURL string) ([]string, error)
}

// Replayer renders captured calls into the sub-item directory.
type Replayer interface {
	Replay(ctx context.Context, page harvest.Page, captured []string, dir string) error
}

// Downloader writes a remote resource to dest.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// CookieSetter receives the persisted session cookies.
type CookieSetter interface {
	SetCookies(cookies []browser.Cookie)
}

// Config holds the run parameters.
type Config struct {
	Workers int
	Index   int
	HomeURL string
	// APIPrefix selects which requests are captured for replay.
	APIPrefix   string
	MediaFile   string
	CookiePath  string
	IdleTime    time.Duration
	IdleTimeout time.Duration
	// Extraction governs whole-attempt restarts of a sub-item. It also bounds
	// retries of item expansion.
	Extraction retry.Policy
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Browser    harvest.Browser
	Navigator  harvest.Navigator
	Discoverer Discoverer
	Expander   Expander
	Resolver   Resolver
	Replayer   Replayer
	Downloader Downloader
	Store      *local.Store
	Cache      *catalog.Cache
	Cookies    []CookieSetter
	Reporter   *progress.Reporter
	// OnTransition, when set, observes every attempt state change.
	OnTransition TransitionFunc
	Logger       *zap.Logger
}

// Coordinator owns a run.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if _, err := catalog.NewShardAssignment(cfg.Workers, cfg.Index, 0); err != nil {
		return nil, err
	}
	if deps.Browser == nil || deps.Navigator == nil || deps.Store == nil {
		return nil, errors.New("coordinator: browser, navigator and store are required")
	}
	if deps.Discoverer == nil || deps.Expander == nil || deps.Resolver == nil ||
		deps.Replayer == nil || deps.Downloader == nil {
		return nil, errors.New("coordinator: pipeline stages are required")
	}
	if cfg.MediaFile == "" {
		cfg.MediaFile = "video.webm"
	}
	if deps.Cache == nil {
		deps.Cache = catalog.NewCache(deps.Store)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Run harvests this worker's shard. Sub-item failures are reported and
// skipped; catalog failures and cancellation end the run with an error.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	start := c.now()
	c.deps.Reporter.RunStart()
	defer func() {
		if err != nil {
			c.deps.Reporter.RunError(c.now().Sub(start), err)
			return
		}
		c.deps.Reporter.RunDone(c.now().Sub(start))
	}()

	c.loadCookies()

	lead, err := c.deps.Browser.NewTab(ctx)
	if err != nil {
		return fmt.Errorf("open lead tab: %w", err)
	}
	defer lead.Close()

	if err := c.warmUp(ctx, lead); err != nil {
		return err
	}

	items, err := c.catalog(ctx, lead)
	if err != nil {
		return err
	}
	shard, err := catalog.Shard(items, c.cfg.Workers, c.cfg.Index)
	if err != nil {
		return err
	}
	c.logger.Info("shard selected",
		zap.Int("catalog", len(items)),
		zap.Int("shard", len(shard)),
		zap.Int("workers", c.cfg.Workers),
		zap.Int("index", c.cfg.Index),
	)

	for _, item := range shard {
		if err := c.harvestItem(ctx, lead, item); err != nil {
			return err
		}
	}
	c.logger.Info("shard complete", zap.Duration("elapsed", c.now().Sub(start)))
	return nil
}

func (c *Coordinator) loadCookies() {
	if c.cfg.CookiePath == "" || len(c.deps.Cookies) == 0 {
		return
	}
	cookies, err := browser.LoadCookies(c.cfg.CookiePath)
	if err != nil {
		c.logger.Warn("cookies not loaded, continuing anonymously",
			zap.String("path", c.cfg.CookiePath), zap.Error(err))
		return
	}
	for _, s := range c.deps.Cookies {
		s.SetCookies(cookies)
	}
	c.logger.Info("cookies loaded", zap.Int("count", len(cookies)))
}

// warmUp loads the landing page once so the session is established.
func (c *Coordinator) warmUp(ctx context.Context, page harvest.Page) error {
	if c.cfg.HomeURL == "" {
		return nil
	}
	if err := c.deps.Navigator.Navigate(ctx, page, c.cfg.HomeURL); err != nil {
		return fmt.Errorf("open landing page: %w", err)
	}
	if err := page.WaitNetworkIdle(ctx, c.cfg.IdleTime, c.cfg.IdleTimeout); err != nil {
		if !errors.Is(err, harvest.ErrNetworkIdleTimeout) {
			return fmt.Errorf("wait on landing page: %w", err)
		}
		c.logger.Debug("landing page still busy, continuing", zap.Error(err))
	}
	return nil
}

// catalog returns the cached catalog or discovers and caches a fresh one.
func (c *Coordinator) catalog(ctx context.Context, page harvest.Page) ([]string, error) {
	items, ok, err := c.deps.Cache.Load()
	switch {
	case err != nil:
		c.logger.Warn("catalog cache unreadable, rediscovering", zap.Error(err))
	case ok:
		c.logger.Info("catalog loaded from cache", zap.Int("items", len(items)))
		return items, nil
	}

	items, err = c.deps.Discoverer.Discover(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("discover catalog: %w", err)
	}
	if err := c.deps.Cache.Save(ctx, items); err != nil {
		return nil, fmt.Errorf("cache catalog: %w", err)
	}
	return items, nil
}

// harvestItem expands one item and extracts each of its sub-items in order.
// Only cancellation is returned as an error.
func (c *Coordinator) harvestItem(ctx context.Context, page harvest.Page, item string) error {
	c.deps.Reporter.ItemStart(item)
	var subs []harvest.SubItem
	err := retry.Do(ctx, c.cfg.Extraction,
		func(ctx context.Context, _ int) error {
			var err error
			subs, err = c.deps.Expander.Expand(ctx, page, item, c.deps.Store.Root())
			return err
		},
		func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("item expansion failed, retrying",
				zap.String("item", item), zap.Int("attempt", attempt),
				zap.Duration("backoff", wait), zap.Error(err))
		},
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Error("item skipped", zap.String("item", item), zap.Error(err))
		return nil
	}
	c.logger.Info("item expanded", zap.String("item", item), zap.Int("sub_items", len(subs)))

	for _, sub := range subs {
		if err := c.extract(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
