// Package download streams remote media to disk. A destination file only
// ever appears complete; partial bytes live in a sibling .part file that is
// discarded on failure.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

// PartSuffix is appended to the destination while bytes are being written.
const PartSuffix = ".part"

var (
	// ErrAlreadyComplete is returned when the destination already exists. It
	// is never overwritten.
	ErrAlreadyComplete = errors.New("destination already complete")
	// ErrShortBody is returned when fewer bytes arrived than announced.
	ErrShortBody = errors.New("response body shorter than content length")
)

// HTTPError carries a non-2xx response status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Retryable reports whether repeating the request may help. Client errors other
// than timeouts and throttling will not change on their own.
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// Config tunes the HTTP client and retry behaviour.
type Config struct {
	UserAgent string
	// Timeout bounds a whole try including the body. Zero means no limit.
	Timeout time.Duration
	// Rate is the sustained request rate per second; zero disables pacing.
	Rate  float64
	Burst int
	Retry retry.Policy
}

// Downloader fetches resources with the session cookies.
type Downloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	userAgent string
	logger    *zap.Logger
}

// New returns a Downloader. jar may be nil.
func New(cfg Config, jar http.CookieJar, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return &Downloader{
		client:    &http.Client{Jar: jar, Timeout: cfg.Timeout},
		limiter:   limiter,
		policy:    cfg.Retry,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Download writes url to dest and returns the number of bytes written.
func (d *Downloader) Download(ctx context.Context, url, dest string) (int64, error) {
	task := &harvest.DownloadTask{SourceURL: url, Dest: dest, Status: harvest.DownloadPending}
	err := d.Fetch(ctx, task)
	return task.Bytes, err
}

// Fetch runs task to completion, retrying under the configured policy. The
// task status tracks progress and ends as complete or failed.
func (d *Downloader) Fetch(ctx context.Context, task *harvest.DownloadTask) error {
	err := retry.Do(ctx, d.policy,
		func(ctx context.Context, _ int) error {
			task.Status = harvest.DownloadInProgress
			n, err := d.try(ctx, task.SourceURL, task.Dest)
			if err == nil {
				task.Bytes = n
				task.Status = harvest.DownloadComplete
				return nil
			}
			task.Status = harvest.DownloadPending
			var httpErr *HTTPError
			if errors.Is(err, ErrAlreadyComplete) || (errors.As(err, &httpErr) && !httpErr.Retryable()) {
				return retry.Permanent(err)
			}
			return err
		},
		func(attempt int, err error, wait time.Duration) {
			d.logger.Warn("download failed, retrying",
				zap.String("url", task.SourceURL),
				zap.String("dest", task.Dest),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		task.Status = harvest.DownloadFailed
		if errors.Is(err, ErrAlreadyComplete) {
			task.Status = harvest.DownloadComplete
		}
		return fmt.Errorf("download %s: %w", task.SourceURL, err)
	}
	return nil
}

// try makes one attempt. Whatever happens, no .part file is left behind.
func (d *Downloader) try(ctx context.Context, url, dest string) (int64, error) {
	if _, err := os.Stat(dest); err == nil {
		return 0, ErrAlreadyComplete
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat destination: %w", err)
	}
	part := dest + PartSuffix
	if err := os.Remove(part); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("remove stale partial file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}

	// #nosec G304 -- dest is built from the configured output root.
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}
	n, err := write(f, resp.Body, resp.ContentLength)
	if err != nil {
		_ = os.Remove(part)
		return 0, err
	}

	// Link refuses to replace an existing file, so a destination that appeared
	// meanwhile is left untouched.
	if err := os.Link(part, dest); err != nil {
		_ = os.Remove(part)
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrAlreadyComplete
		}
		return 0, fmt.Errorf("move download into place: %w", err)
	}
	if err := os.Remove(part); err != nil {
		d.logger.Warn("could not remove partial file", zap.String("path", part), zap.Error(err))
	}
	return n, nil
}

func write(f *os.File, body io.Reader, want int64) (int64, error) {
	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("stream body: %w", err)
	}
	if want >= 0 && n != want {
		_ = f.Close()
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, want)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, fmt.Errorf("sync partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close partial file: %w", err)
	}
	return n, nil
}
