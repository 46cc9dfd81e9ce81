// Package media starts playback of a sub-item to learn where its video lives
// and replays the API calls playback triggered.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// ErrNoMedia is returned when the media element carries no source.
var ErrNoMedia = errors.New("no media locator found")

// ResolverConfig holds the landing page, selectors and waits used to start
// playback.
type ResolverConfig struct {
	HomeURL       string
	BaseURL       string
	PlaySelector  string
	MediaSelector string
	// LandingIdle and LandingIdleTimeout bound the quiet-period wait on the
	// landing page. Timing out there is tolerated.
	LandingIdle        time.Duration
	LandingIdleTimeout time.Duration
}

// Resolver finds the media locators of a sub-item.
type Resolver struct {
	cfg    ResolverConfig
	nav    harvest.Navigator
	logger *zap.Logger
}

// NewResolver returns a Resolver.
func NewResolver(cfg ResolverConfig, nav harvest.Navigator, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, nav: nav, logger: logger}
}

// Resolve opens the sub-item and locates its media.
func (r *Resolver) Resolve(ctx context.Context, page harvest.Page, subItemURL string) ([]string, error) {
	if err := r.Open(ctx, page, subItemURL); err != nil {
		return nil, err
	}
	return r.Locate(ctx, page, subItemURL)
}

// Open loads the landing page, lets it settle, then loads the sub-item.
func (r *Resolver) Open(ctx context.Context, page harvest.Page, subItemURL string) error {
	if err := r.nav.Navigate(ctx, page, r.cfg.HomeURL); err != nil {
		return fmt.Errorf("open landing page: %w", err)
	}
	if err := page.WaitNetworkIdle(ctx, r.cfg.LandingIdle, r.cfg.LandingIdleTimeout); err != nil {
		if !errors.Is(err, harvest.ErrNetworkIdleTimeout) {
			return fmt.Errorf("wait on landing page: %w", err)
		}
		r.logger.Debug("landing page still busy, continuing", zap.Error(err))
	}
	if err := r.nav.Navigate(ctx, page, subItemURL); err != nil {
		return fmt.Errorf("open sub-item: %w", err)
	}
	return nil
}

// Locate presses play on the loaded sub-item and returns the src of every
// media element in page order.
func (r *Resolver) Locate(ctx context.Context, page harvest.Page, subItemURL string) ([]string, error) {
	if err := page.WaitVisible(ctx, r.cfg.PlaySelector); err != nil {
		return nil, fmt.Errorf("wait for play control: %w", err)
	}
	if err := page.Click(ctx, r.cfg.PlaySelector); err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}
	if err := page.WaitVisible(ctx, r.cfg.MediaSelector); err != nil {
		return nil, fmt.Errorf("wait for media element: %w", err)
	}

	srcs, err := page.Attributes(ctx, r.cfg.MediaSelector, "src")
	if err != nil {
		return nil, fmt.Errorf("read media source: %w", err)
	}
	locators := make([]string, 0, len(srcs))
	for _, src := range srcs {
		if src == "" {
			continue
		}
		abs, err := harvest.ResolveURL(r.cfg.BaseURL, src)
		if err != nil {
			return nil, err
		}
		locators = append(locators, abs)
	}
	if len(locators) == 0 {
		return nil, fmt.Errorf("%s: %w", subItemURL, ErrNoMedia)
	}
	return locators, nil
}
