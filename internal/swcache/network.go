package swcache

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Network performs a request against the real network and returns a fully
// buffered snapshot. The request body, if any, is consumed exactly once.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (Response, error)
}

type HTTPNetwork struct {
	client *http.Client
	origin *url.URL
}

func NewHTTPNetwork(cfg Config) (*HTTPNetwork, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	transport, err := newEgressTransport(cfg.Network.Egress.ProxyType, cfg.Network.Egress.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &HTTPNetwork{
		client: &http.Client{Transport: transport, Timeout: cfg.Network.Timeout},
		origin: origin,
	}, nil
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (Response, error) {
	resp, err := n.client.Do(req.WithContext(ctx))
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return newResponse(resp.StatusCode, resp.Header, body, final.String(), classify(n.origin, req.URL, final, resp.Header)), nil
}

// classify mirrors how a browser tags a response: basic when both the
// requested and the final URL are on the origin, cors when a cross-origin
// server opted in, opaque otherwise.
func classify(origin, requested, final *url.URL, h http.Header) ResponseType {
	if sameOrigin(origin, requested) && sameOrigin(origin, final) {
		return TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// hop-by-hop headers are connection-scoped and never forwarded.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders copies end-to-end headers. Hop-by-hop headers, and any header
// named in Connection, are dropped.
func copyHeaders(dst, src http.Header) {
	var listed map[string]struct{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				if listed == nil {
					listed = map[string]struct{}{}
				}
				listed[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Host" {
			continue
		}
		if _, hop := hopHeaders[ck]; hop {
			continue
		}
		if _, ok := listed[ck]; ok {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// outboundRequest builds the request sent to the network for an inbound one.
// body is passed through as-is and is never read here.
func outboundRequest(ctx context.Context, in *http.Request, target *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, in.Header)
	if in.Method == http.MethodGet {
		// Stored bodies must be the bytes the client receives.
		req.Header.Set("Accept-Encoding", "identity")
	}
	if body != nil && in.ContentLength > 0 {
		req.ContentLength = in.ContentLength
	}
	return req, nil
}

func newEgressTransport(proxyType, proxyURL string) (*http.Transport, error) {
	direct := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           direct.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if proxyType == "" || proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid egress proxy URL: %w", err)
	}

	switch proxyType {
	case "http":
		t.Proxy = http.ProxyURL(u)
	case "socks5":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported egress proxy type: %s", proxyType)
	}
	return t, nil
}
