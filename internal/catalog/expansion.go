package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// ExpansionConfig controls how an item page is read.
type ExpansionConfig struct {
	BaseURL         string
	SubItemSelector string
	// SettleDelay is waited after the item page loads before reading it.
	SettleDelay time.Duration
}

// Expander turns an item into its ordered sub-items.
type Expander struct {
	cfg    ExpansionConfig
	nav    harvest.Navigator
	logger *zap.Logger
}

// NewExpander returns an Expander.
func NewExpander(cfg ExpansionConfig, nav harvest.Navigator, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expander{cfg: cfg, nav: nav, logger: logger}
}

// Expand loads itemURL and returns its sub-items in page order, numbered from 1,
// with destination directories under root.
func (e *Expander) Expand(ctx context.Context, page harvest.Page, itemURL, root string) ([]harvest.SubItem, error) {
	if err := e.nav.Navigate(ctx, page, itemURL); err != nil {
		return nil, fmt.Errorf("open item %s: %w", itemURL, err)
	}
	if err := wait(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	hrefs, err := page.Attributes(ctx, e.cfg.SubItemSelector, "href")
	if err != nil {
		return nil, fmt.Errorf("read sub-items of %s: %w", itemURL, err)
	}

	itemDir := filepath.Join(root, harvest.Slug(itemURL))
	subs := make([]harvest.SubItem, 0, len(hrefs))
	for i, h := range hrefs {
		abs, err := harvest.ResolveURL(e.cfg.BaseURL, h)
		if err != nil {
			return nil, err
		}
		ordinal := i + 1
		subs = append(subs, harvest.SubItem{
			SourceURL: abs,
			Dir:       harvest.SubItemDir(itemDir, ordinal, abs),
			Ordinal:   ordinal,
		})
	}
	e.logger.Debug("item expanded", zap.String("item", itemURL), zap.Int("sub_items", len(subs)))
	return subs, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	}
}
