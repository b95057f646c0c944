package swcache

import (
	"errors"
	"hash/crc32"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrNoResponse is returned by a fetch when the network failed and no
	// cached fallback exists.
	ErrNoResponse = errors.New("swcache: network unreachable and no cached fallback")

	// ErrGenerationDeleted is returned when writing into a generation that was
	// deleted after it was opened.
	ErrGenerationDeleted = errors.New("swcache: cache generation deleted")

	// ErrCrossOrigin is returned for a request addressed to a host other than
	// the configured origin.
	ErrCrossOrigin = errors.New("swcache: request is not for the configured origin")

	ErrInvalidGeneration  = errors.New("swcache: invalid cache generation name")
	ErrGenerationNotFound = errors.New("swcache: cache generation not found")
	ErrCurrentGeneration  = errors.New("swcache: cannot delete the current cache generation")
)

type ResponseType string

const (
	// TypeBasic is a same-origin response that was not redirected off-origin.
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Response is a fully buffered response snapshot. It is what the network
// returns and what a generation stores.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	Type     ResponseType
	StoredAt int64 // unix seconds, zero until stored
	Hash32   uint32
}

// Clone returns a deep copy. A response handed to the caller and the one
// persisted to a generation never share header maps or body bytes.
func (r Response) Clone() Response {
	out := r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func newResponse(status int, header http.Header, body []byte, finalURL string, typ ResponseType) Response {
	resp := Response{
		Status: status,
		Header: cloneHeader(header),
		Body:   body,
		URL:    finalURL,
		Type:   typ,
		Hash32: crc32.ChecksumIEEE(body),
	}
	resp.Header.Del("Content-Length")
	return resp
}

// RequestKey returns the storage key for method and an absolute URL. The
// fragment never takes part in matching.
func RequestKey(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return strings.ToUpper(method) + " " + c.String()
}

func validGeneration(name string) error {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return ErrInvalidGeneration
	}
	return nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostPort(a), hostPort(b))
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
