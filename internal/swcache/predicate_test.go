package swcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPolicyCacheable(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	tests := []struct {
		path string
		want bool
	}{
		{"/static/css/main.css", true},
		{"/static/fonts/inter", true},
		{"/media/uploads/2024/cover", true},
		{"/assets/app.js", true},
		{"/img/LOGO.PNG", true},
		{"/img/photo.JpEg", true},
		{"/img/anim.gif", true},
		{"/img/icon.svg", true},
		{"/img/hero.webp", true},
		{"/api/data", false},
		{"/", false},
		{"/blog/hello-world/", false},
		{"/feed.xml", false},
		{"/download.json", false},
		{"/jsonly", false},
		{"/staticfile.css.map", false},
	}
	for _, tt := range tests {
		if got := p.Cacheable(tt.path); got != tt.want {
			t.Errorf("Cacheable(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPolicyCacheableGlobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cacheable.Globs = []string{"/fonts/**/*.woff2"}
	p := NewPolicy(cfg)

	if !p.Cacheable("/fonts/inter/regular.woff2") {
		t.Error("expected glob match to be cacheable")
	}
	if p.Cacheable("/fonts/inter/regular.ttf") {
		t.Error("ttf should not match")
	}
}

func TestPolicyExtensionsNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cacheable.PathContains = nil
	cfg.Cacheable.Extensions = []string{".ICO", " txt "}
	p := NewPolicy(cfg)

	if !p.Cacheable("/favicon.ico") {
		t.Error("expected .ico to be cacheable")
	}
	if !p.Cacheable("/robots.TXT") {
		t.Error("expected .txt to be cacheable")
	}
	if p.Cacheable("/static/app.css") {
		t.Error("css is no longer configured")
	}
}

func TestPolicyBypassed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bypass = []string{"/admin/**", "/accounts/*/login"}
	p := NewPolicy(cfg)

	tests := []struct {
		path string
		want bool
	}{
		{"/admin/blogs/1/change", true},
		{"/admin/login", true},
		{"/accounts/google/login", true},
		{"/accounts/google/logout", false},
		{"/static/admin/base.css", false},
	}
	for _, tt := range tests {
		if got := p.Bypassed(tt.path); got != tt.want {
			t.Errorf("Bypassed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPolicyHasBypassCookie(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BypassWhenCookies = []string{"sessionid", " wp_login "}
	p := NewPolicy(cfg)

	tests := []struct {
		cookie string
		want   bool
	}{
		{"", false},
		{"theme=dark", false},
		{"sessionid=abc", true},
		{"theme=dark; wp_login=1", true},
		{"xsessionid=abc", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/static/app.css", nil)
		if tt.cookie != "" {
			r.Header.Set("Cookie", tt.cookie)
		}
		if got := p.HasBypassCookie(r); got != tt.want {
			t.Errorf("HasBypassCookie(%q) = %v, want %v", tt.cookie, got, tt.want)
		}
	}
}

func TestShareable(t *testing.T) {
	tests := []struct {
		name string
		req  http.Header
		resp http.Header
		want bool
	}{
		{"plain", http.Header{}, http.Header{"Cache-Control": {"public, max-age=3600"}}, true},
		{"no headers", http.Header{}, http.Header{}, true},
		{"set-cookie", http.Header{}, http.Header{"Set-Cookie": {"a=b"}}, false},
		{"no-store", http.Header{}, http.Header{"Cache-Control": {"no-store"}}, false},
		{"private with value", http.Header{}, http.Header{"Cache-Control": {`max-age=60, private="X-User"`}}, false},
		{"no-cache upper", http.Header{}, http.Header{"Cache-Control": {"No-Cache"}}, false},
		{"vary star", http.Header{}, http.Header{"Vary": {"*"}}, false},
		{"vary encoding", http.Header{}, http.Header{"Vary": {"Accept-Encoding"}}, true},
		{"authorized request", http.Header{"Authorization": {"Basic eDp5"}}, http.Header{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Response{Status: http.StatusOK, Header: tt.resp}
			if got := Shareable(tt.req, resp); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
