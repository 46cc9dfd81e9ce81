package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/capture"
	"github.com/JakeFAU/catalog-harvester/internal/download"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

// extract drives sub through attempts until it is done or the extraction
// policy gives up. Only cancellation is returned as an error.
func (c *Coordinator) extract(ctx context.Context, sub harvest.SubItem) error {
	done, err := c.deps.Store.Exists(filepath.Join(sub.Dir, CompleteFile))
	if err != nil {
		return fmt.Errorf("check %s: %w", sub.Dir, err)
	}
	if done {
		c.deps.Reporter.SubItemSkipped(sub.SourceURL)
		c.logger.Debug("sub-item already complete", zap.String("url", sub.SourceURL))
		return nil
	}
	if err := c.deps.Store.MkdirAll(sub.Dir); err != nil {
		return err
	}

	start := c.now()
	m := newMachine(sub.SourceURL, c.deps.OnTransition)
	var (
		attempts int
		written  int64
		failedIn State
	)
	err = retry.Do(ctx, c.cfg.Extraction,
		func(ctx context.Context, attempt int) error {
			attempts = attempt
			n, err := c.attempt(ctx, m, attempt, sub)
			if err != nil {
				failedIn = m.current()
				m.fail()
				return err
			}
			written = n
			return nil
		},
		func(attempt int, err error, wait time.Duration) {
			c.deps.Reporter.AttemptFailed(sub.SourceURL, attempt, err)
			c.logger.Warn("extraction attempt failed, restarting",
				zap.String("url", sub.SourceURL),
				zap.Int("attempt", attempt),
				zap.Stringer("phase", failedIn),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
	)
	elapsed := c.now().Sub(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.deps.Reporter.SubItemError(sub.SourceURL, attempts, elapsed, err)
		c.logger.Error("sub-item abandoned",
			zap.String("url", sub.SourceURL), zap.Int("attempts", attempts),
			zap.Stringer("phase", failedIn), zap.Error(err))
		return nil
	}
	c.deps.Reporter.SubItemDone(sub.SourceURL, written, attempts, elapsed)
	return nil
}

// attempt runs one full extraction on a dedicated tab with a fresh capture.
func (c *Coordinator) attempt(ctx context.Context, m *machine, n int, sub harvest.SubItem) (int64, error) {
	if err := m.begin(n); err != nil {
		return 0, err
	}
	tab, err := c.deps.Browser.NewTab(ctx)
	if err != nil {
		return 0, fmt.Errorf("open tab: %w", err)
	}
	defer tab.Close()
	capt := capture.Attach(tab, c.cfg.APIPrefix)
	defer capt.Close()

	if err := m.to(Navigating); err != nil {
		return 0, err
	}
	if err := c.deps.Resolver.Open(ctx, tab, sub.SourceURL); err != nil {
		return 0, err
	}

	if err := m.to(Resolving); err != nil {
		return 0, err
	}
	locators, err := c.deps.Resolver.Locate(ctx, tab, sub.SourceURL)
	if err != nil {
		return 0, err
	}
	if len(locators) == 0 {
		return 0, fmt.Errorf("resolve %s: no media locator", sub.SourceURL)
	}

	if err := m.to(Writing); err != nil {
		return 0, err
	}
	// Replaying visits URLs under the captured prefix; stop recording first.
	capt.Close()
	captured := capt.URLs()
	written, err := c.write(ctx, tab, sub, locators, captured)
	if err != nil {
		return 0, err
	}

	if err := m.to(Done); err != nil {
		return 0, err
	}
	return written, nil
}

// write persists everything a finished sub-item needs, ending with the
// completion marker.
func (c *Coordinator) write(
	ctx context.Context,
	tab harvest.Page,
	sub harvest.SubItem,
	locators, captured []string,
) (int64, error) {
	results := filepath.Join(sub.Dir, ResultsFile)
	if err := c.putJSON(ctx, results, captured); err != nil {
		return 0, err
	}

	dest := filepath.Join(sub.Dir, c.cfg.MediaFile)
	var written int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.deps.Downloader.Download(gctx, locators[0], dest)
		if errors.Is(err, download.ErrAlreadyComplete) {
			info, statErr := os.Stat(dest)
			if statErr != nil {
				return fmt.Errorf("stat %s: %w", dest, statErr)
			}
			n, err = info.Size(), nil
		}
		written = n
		return err
	})
	g.Go(func() error {
		return c.deps.Replayer.Replay(gctx, tab, captured, sub.Dir)
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	all := make([]string, 0, len(locators)+len(captured))
	all = append(all, locators...)
	all = append(all, captured...)
	if err := c.putJSON(ctx, results, all); err != nil {
		return 0, err
	}
	stamp := []byte(c.now().UTC().Format(time.RFC3339) + "\n")
	if err := c.deps.Store.Put(ctx, filepath.Join(sub.Dir, CompleteFile), stamp); err != nil {
		return 0, fmt.Errorf("mark complete: %w", err)
	}
	return written, nil
}

func (c *Coordinator) putJSON(ctx context.Context, p string, v []string) error {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(p), err)
	}
	if err := c.deps.Store.Put(ctx, p, data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(p), err)
	}
	return nil
}
