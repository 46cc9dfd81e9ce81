// Package harvest defines the types and browser-facing interfaces shared by the
// extraction pipeline stages.
package harvest

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// SubItem is one child unit of a catalog item that needs its own extraction.
type SubItem struct {
	SourceURL string
	Dir       string
	Ordinal   int
}

// DownloadStatus is the lifecycle state of a DownloadTask.
type DownloadStatus string

// Download task states.
const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "in-progress"
	DownloadComplete   DownloadStatus = "complete"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadTask tracks one remote resource being written to Dest.
type DownloadTask struct {
	SourceURL string
	Dest      string
	Status    DownloadStatus
	Bytes     int64
}

// Slug derives a directory-safe name from the final non-empty path segment of
// rawURL.
func Slug(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	seg := path.Base(p)
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	seg = strings.ReplaceAll(seg, string(filepath.Separator), "_")
	seg = strings.ReplaceAll(seg, "/", "_")
	switch seg {
	case "", ".", "..":
		return "root"
	}
	return seg
}

// SubItemDir builds the destination directory for the ordinal-th sub-item.
func SubItemDir(itemDir string, ordinal int, sourceURL string) string {
	return filepath.Join(itemDir, fmt.Sprintf("%d. %s", ordinal, Slug(sourceURL)))
}

// ResolveURL makes href absolute against base. Absolute hrefs pass through.
func ResolveURL(base, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if ref.IsAbs() || base == "" {
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	return b.ResolveReference(ref).String(), nil
}
