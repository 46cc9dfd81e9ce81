package download

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

var payload = []byte("webm-bytes-0123456789")

func newDownloader(maxAttempts int) *Downloader {
	return New(Config{Retry: retry.Policy{MaxAttempts: maxAttempts}}, nil, nil)
}

func TestDownloadWritesAtomically(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "course", "1. intro", "video.webm")
	n, err := newDownloader(1).Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestDownloadFailsClosedOnExistingDestination(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "video.webm")
	require.NoError(t, os.WriteFile(dest, []byte("finished earlier"), 0o600))

	task := &harvest.DownloadTask{SourceURL: srv.URL, Dest: dest}
	err := New(Config{}, nil, nil).Fetch(context.Background(), task)
	require.ErrorIs(t, err, ErrAlreadyComplete)
	assert.Equal(t, harvest.DownloadComplete, task.Status)
	assert.Zero(t, hits.Load(), "no request for a completed destination")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "finished earlier", string(got))
}

func TestDownloadRetriesAfterShortBody(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if hits.Add(1) == 1 {
			_, _ = w.Write(payload[:5])
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "video.webm")
	n, err := newDownloader(3).Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, int32(2), hits.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadRemovesStalePartFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "video.webm")
	require.NoError(t, os.WriteFile(dest+PartSuffix, []byte("crashed run"), 0o600))

	_, err := newDownloader(1).Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestDownloadExhaustedLeavesNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "video.webm")
	task := &harvest.DownloadTask{SourceURL: srv.URL, Dest: dest}
	err := newDownloader(2).Fetch(context.Background(), task)
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, harvest.DownloadFailed, task.Status)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestDownloadClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newDownloader(5).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "v.webm"))
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadSendsCookies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "abc", Path: "/"}})

	d := New(Config{Retry: retry.Policy{MaxAttempts: 1}, Rate: 100, Burst: 1}, jar, nil)
	_, err = d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "v.webm"))
	require.NoError(t, err)
}

func TestDownloadHonorsCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	d := New(Config{Retry: retry.Policy{BaseDelay: 20 * time.Millisecond, MaxDelay: 40 * time.Millisecond}}, nil, nil)
	_, err := d.Download(ctx, srv.URL, filepath.Join(t.TempDir(), "v.webm"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPErrorRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, (&HTTPError{StatusCode: 500}).Retryable())
	assert.True(t, (&HTTPError{StatusCode: 429}).Retryable())
	assert.False(t, (&HTTPError{StatusCode: 404}).Retryable())
}
