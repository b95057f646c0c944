package swcache

import (
	"net/http"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy decides which requests are intercepted and which responses are
// persisted. Matching is done on the URL path only.
type Policy struct {
	pathContains []string
	extensions   map[string]struct{}
	globs        []string
	bypass       []string
	cookies      map[string]struct{}
}

func NewPolicy(cfg Config) Policy {
	p := Policy{
		pathContains: cfg.Cacheable.PathContains,
		extensions:   make(map[string]struct{}, len(cfg.Cacheable.Extensions)),
		globs:        cfg.Cacheable.Globs,
		bypass:       cfg.Bypass,
		cookies:      make(map[string]struct{}, len(cfg.BypassWhenCookies)),
	}
	for _, n := range cfg.BypassWhenCookies {
		if n = strings.TrimSpace(n); n != "" {
			p.cookies[n] = struct{}{}
		}
	}
	for _, ext := range cfg.Cacheable.Extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			p.extensions[ext] = struct{}{}
		}
	}
	return p
}

// Cacheable reports whether a successful response for urlPath may be stored.
func (p Policy) Cacheable(urlPath string) bool {
	for _, s := range p.pathContains {
		if s != "" && strings.Contains(urlPath, s) {
			return true
		}
	}
	if ext := strings.TrimPrefix(path.Ext(urlPath), "."); ext != "" {
		if _, ok := p.extensions[strings.ToLower(ext)]; ok {
			return true
		}
	}
	return matchAny(p.globs, urlPath)
}

// Bypassed reports whether urlPath must never be intercepted.
func (p Policy) Bypassed(urlPath string) bool {
	return matchAny(p.bypass, urlPath)
}

func matchAny(patterns []string, urlPath string) bool {
	for _, g := range patterns {
		if ok, _ := doublestar.Match(g, urlPath); ok {
			return true
		}
	}
	return false
}

// HasBypassCookie reports whether r carries any of the configured cookies.
func (p Policy) HasBypassCookie(r *http.Request) bool {
	if len(p.cookies) == 0 {
		return false
	}
	for _, c := range r.Cookies() {
		if _, ok := p.cookies[c.Name]; ok {
			return true
		}
	}
	return false
}

// Shareable reports whether resp, fetched for a request with header reqHeader,
// may be replayed to other clients. Responses that set cookies, opt out of
// shared caching or answer a credentialed request are never stored.
func Shareable(reqHeader http.Header, resp Response) bool {
	if reqHeader.Get("Authorization") != "" {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		if strings.Contains(v, "*") {
			return false
		}
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if i := strings.IndexByte(d, '='); i >= 0 {
				d = strings.TrimSpace(d[:i])
			}
			switch d {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Pragma")), "no-cache") {
		return false
	}
	return true
}
