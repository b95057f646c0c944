package swcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestClassify(t *testing.T) {
	origin := mustURL(t, "https://blog.example")
	tests := []struct {
		name      string
		requested string
		final     string
		acao      string
		want      ResponseType
	}{
		{"same origin", "https://blog.example/a.css", "https://blog.example/a.css", "", TypeBasic},
		{"explicit default port", "https://blog.example:443/a.css", "https://blog.example/a.css", "", TypeBasic},
		{"redirect stays on origin", "https://blog.example/old", "https://blog.example/new", "", TypeBasic},
		{"redirect off origin", "https://blog.example/logo.png", "https://cdn.example/logo.png", "", TypeOpaque},
		{"cross origin with cors", "https://cdn.example/x.js", "https://cdn.example/x.js", "*", TypeCORS},
		{"cross origin without cors", "https://cdn.example/x.js", "https://cdn.example/x.js", "", TypeOpaque},
		{"scheme differs", "http://blog.example/a.css", "http://blog.example/a.css", "", TypeOpaque},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.acao != "" {
				h.Set("Access-Control-Allow-Origin", tt.acao)
			}
			got := classify(origin, mustURL(t, tt.requested), mustURL(t, tt.final), h)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewEgressTransport(t *testing.T) {
	tr, err := newEgressTransport("", "")
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if tr.Proxy != nil {
		t.Error("direct transport has a proxy")
	}
	tr, err = newEgressTransport("http", "http://proxy.internal:3128")
	if err != nil {
		t.Fatalf("http proxy: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://blog.example/", nil)
	if u, _ := tr.Proxy(req); u == nil || u.Host != "proxy.internal:3128" {
		t.Errorf("http proxy: got %v", u)
	}
	if _, err := newEgressTransport("socks5", "socks5://user:pw@127.0.0.1:1080"); err != nil {
		t.Errorf("socks5: %v", err)
	}
	if _, err := newEgressTransport("ftp", "ftp://x"); err == nil {
		t.Error("expected error for unsupported proxy type")
	}
}

func TestHTTPNetworkFetchSnapshot(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	n, err := NewHTTPNetwork(cfg)
	if err != nil {
		t.Fatalf("NewHTTPNetwork: %v", err)
	}

	in := httptest.NewRequest(http.MethodGet, "/static/css/main.css", nil)
	in.Header.Set("Connection", "keep-alive, X-Secret")
	in.Header.Set("Accept-Encoding", "gzip")
	in.Header.Set("X-Requested-With", "XMLHttpRequest")
	req, err := outboundRequest(context.Background(), in, mustURL(t, srv.URL+"/static/css/main.css"), nil)
	if err != nil {
		t.Fatalf("outboundRequest: %v", err)
	}

	resp, err := n.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "body{}" || resp.Type != TypeBasic {
		t.Errorf("snapshot: %d %q %q", resp.Status, resp.Body, resp.Type)
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Error("Content-Length kept in snapshot")
	}
	if resp.Hash32 == 0 {
		t.Error("missing body checksum")
	}
	if got := gotHeaders.Get("Accept-Encoding"); got != "identity" {
		t.Errorf("Accept-Encoding: got %q, want identity", got)
	}
	if got := gotHeaders.Get("X-Requested-With"); got != "XMLHttpRequest" {
		t.Errorf("X-Requested-With not forwarded: %q", got)
	}
}
