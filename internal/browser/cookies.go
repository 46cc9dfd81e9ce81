package browser

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Cookie is one entry of the cookies file. The layout matches the JSON
// array that browser automation tools export, so files are interchangeable.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// LoadCookies reads a cookies file.
func LoadCookies(path string) ([]Cookie, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookies %s: %w", path, err)
	}
	return cookies, nil
}

// SaveCookies writes cookies to path, replacing any previous file.
func SaveCookies(path string, cookies []Cookie) error {
	if cookies == nil {
		cookies = []Cookie{}
	}
	raw, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cookies dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cookies: %w", err)
	}
	return nil
}

// ToParams converts cookies to DevTools parameters. Non-positive expiry means
// a session cookie.
func ToParams(cookies []Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(epochTime(c.Expires))
			p.Expires = &exp
		}
		if ss := sameSite(c.SameSite); ss != "" {
			p.SameSite = ss
		}
		params = append(params, p)
	}
	return params
}

// FromNetwork converts cookies reported by the browser.
func FromNetwork(cookies []*network.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// SeedJar adds cookies to jar so plain HTTP downloads share the browser login.
func SeedJar(jar http.CookieJar, cookies []Cookie) {
	byOrigin := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		// A leading dot marks a domain cookie; host-only cookies keep Domain empty.
		if strings.HasPrefix(c.Domain, ".") {
			hc.Domain = host
		}
		if c.Expires > 0 {
			hc.Expires = epochTime(c.Expires)
		}
		origin := "https://" + host
		byOrigin[origin] = append(byOrigin[origin], hc)
	}
	for origin, list := range byOrigin {
		u, err := url.Parse(origin + "/")
		if err != nil {
			continue
		}
		jar.SetCookies(u, list)
	}
}

// JarSetter adapts an http.CookieJar so it can receive the same cookies as a
// Session.
type JarSetter struct {
	Jar http.CookieJar
}

// SetCookies seeds the jar.
func (j JarSetter) SetCookies(cookies []Cookie) {
	if j.Jar != nil {
		SeedJar(j.Jar, cookies)
	}
}

func epochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func sameSite(v string) network.CookieSameSite {
	switch strings.ToLower(v) {
	case "strict":
		return network.CookieSameSiteStrict
	case "lax":
		return network.CookieSameSiteLax
	case "none":
		return network.CookieSameSiteNone
	default:
		return ""
	}
}
