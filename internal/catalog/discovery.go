// Package catalog discovers the items of a paginated listing, expands items
// into sub-items, caches the result and splits it between workers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// ErrCatalogIncomplete is returned when fewer items were collected than the
// reported page count implies. The result must not be cached.
var ErrCatalogIncomplete = errors.New("catalog incomplete")

var trailingDigits = regexp.MustCompile(`\d+$`)

// DiscoveryConfig holds the listing URL, selectors and waits for discovery.
type DiscoveryConfig struct {
	ListingURL string
	BaseURL    string
	// PageSize is the number of items a full listing page shows.
	PageSize    int
	IdleTime    time.Duration
	IdleTimeout time.Duration

	ResetSelector    string
	LastPageSelector string
	ItemSelector     string
	// NextPageSelector is a fmt template receiving the 1-based page number.
	NextPageSelector string
}

// Discovery walks the listing pages.
type Discovery struct {
	cfg    DiscoveryConfig
	nav    harvest.Navigator
	logger *zap.Logger
}

// NewDiscovery returns a Discovery.
func NewDiscovery(cfg DiscoveryConfig, nav harvest.Navigator, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Discovery{cfg: cfg, nav: nav, logger: logger}
}

// Discover returns every catalog item URL in listing order.
func (d *Discovery) Discover(ctx context.Context, page harvest.Page) ([]string, error) {
	if err := d.nav.Navigate(ctx, page, d.cfg.ListingURL); err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	if err := settle(ctx, page, d.cfg.IdleTime, d.cfg.IdleTimeout, d.logger); err != nil {
		return nil, err
	}

	if err := page.Click(ctx, d.cfg.ResetSelector); err != nil {
		if !errors.Is(err, harvest.ErrElementNotFound) {
			return nil, fmt.Errorf("reset filters: %w", err)
		}
		d.logger.Warn("filter reset control missing, continuing with current filters",
			zap.String("selector", d.cfg.ResetSelector))
	} else if err := settle(ctx, page, d.cfg.IdleTime, d.cfg.IdleTimeout, d.logger); err != nil {
		return nil, err
	}

	lastPage, err := d.lastPage(ctx, page)
	if err != nil {
		return nil, err
	}
	d.logger.Info("listing pages reported", zap.Int("last_page", lastPage))

	var items []string
	for next := 2; ; next++ {
		found, err := d.collect(ctx, page)
		if err != nil {
			return nil, err
		}
		items = append(items, found...)
		d.logger.Debug("listing page collected", zap.Int("page", next-1), zap.Int("items", len(found)))

		err = page.Click(ctx, fmt.Sprintf(d.cfg.NextPageSelector, next))
		if errors.Is(err, harvest.ErrElementNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("open listing page %d: %w", next, err)
		}
		if err := settle(ctx, page, d.cfg.IdleTime, d.cfg.IdleTimeout, d.logger); err != nil {
			return nil, err
		}
	}

	if err := CheckFloor(len(items), lastPage, d.cfg.PageSize); err != nil {
		return nil, err
	}
	d.logger.Info("catalog discovered", zap.Int("items", len(items)))
	return items, nil
}

// CheckFloor verifies that count items are consistent with lastPage pages of
// pageSize items: every page but the last must have been full.
func CheckFloor(count, lastPage, pageSize int) error {
	floor := (lastPage - 1) * pageSize
	if count > floor {
		return nil
	}
	return fmt.Errorf("%w: collected %d items, expected more than %d for %d pages",
		ErrCatalogIncomplete, count, floor, lastPage)
}

func (d *Discovery) lastPage(ctx context.Context, page harvest.Page) (int, error) {
	hrefs, err := page.Attributes(ctx, d.cfg.LastPageSelector, "href")
	if err != nil {
		return 0, fmt.Errorf("read last page control: %w", err)
	}
	if len(hrefs) == 0 {
		d.logger.Warn("last page control missing, assuming a single page",
			zap.String("selector", d.cfg.LastPageSelector))
		return 1, nil
	}
	m := trailingDigits.FindString(hrefs[0])
	if m == "" {
		return 0, fmt.Errorf("last page href %q has no page number", hrefs[0])
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("parse last page %q: %w", m, err)
	}
	return n, nil
}

func (d *Discovery) collect(ctx context.Context, page harvest.Page) ([]string, error) {
	hrefs, err := page.Attributes(ctx, d.cfg.ItemSelector, "href")
	if err != nil {
		return nil, fmt.Errorf("read catalog items: %w", err)
	}
	items := make([]string, 0, len(hrefs))
	for _, h := range hrefs {
		abs, err := harvest.ResolveURL(d.cfg.BaseURL, h)
		if err != nil {
			return nil, err
		}
		items = append(items, abs)
	}
	return items, nil
}

// settle waits for the page to go quiet. Running out of time is not an error.
func settle(ctx context.Context, page harvest.Page, idle, timeout time.Duration, logger *zap.Logger) error {
	err := page.WaitNetworkIdle(ctx, idle, timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, harvest.ErrNetworkIdleTimeout):
		logger.Debug("network never went idle, continuing", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("wait for network idle: %w", err)
	}
}
