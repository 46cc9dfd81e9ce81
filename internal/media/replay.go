package media

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// Replayer fetches captured API URLs in the browser and stores what they render.
type Replayer struct {
	nav    harvest.Navigator
	store  *local.Store
	logger *zap.Logger
}

// NewReplayer returns a Replayer writing into store.
func NewReplayer(nav harvest.Navigator, store *local.Store, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{nav: nav, store: store, logger: logger}
}

// ReplayFile names the output of the n-th captured URL.
func ReplayFile(n int) string {
	return fmt.Sprintf("%d.json", n)
}

// Replay visits each captured URL in order and writes the page text to
// dir/<n>.json, n counting from 0.
func (r *Replayer) Replay(ctx context.Context, page harvest.Page, captured []string, dir string) error {
	for i, u := range captured {
		if err := r.nav.Navigate(ctx, page, u); err != nil {
			return fmt.Errorf("replay %s: %w", u, err)
		}
		text, err := page.Text(ctx)
		if err != nil {
			return fmt.Errorf("replay %s: %w", u, err)
		}
		if err := r.store.Put(ctx, filepath.Join(dir, ReplayFile(i)), []byte(text)); err != nil {
			return fmt.Errorf("store replay %d: %w", i, err)
		}
	}
	r.logger.Debug("replayed captured calls", zap.String("dir", dir), zap.Int("calls", len(captured)))
	return nil
}
