package swcache

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type WorkerState int

const (
	StateParsed WorkerState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

// Fetch outcomes, reported in the X-Blogcache response header.
const (
	OutcomeHit          = "hit"
	OutcomeMiss         = "miss"
	OutcomeUncached     = "uncached"
	OutcomeOffline      = "offline"
	OutcomeBypass       = "bypass"
	OutcomeCrossOrigin  = "cross-origin"
	OutcomeCookieBypass = "ignore-by-cookie"
)

// Worker owns one cache generation and handles the lifecycle events for it.
// It is safe for concurrent fetches.
type Worker struct {
	id       string
	version  string
	origin   *url.URL
	manifest []string
	offline  string
	policy   Policy

	precacheConcurrency int

	storage CacheStorage
	network Network

	mu    sync.RWMutex
	state WorkerState
	cache Cache

	// bg tracks cache writes started by fetches; they outlive the response.
	bg       lifetime
	bgSem    chan struct{}
	writeLog *rateLimitedLogger
}

func NewWorker(cfg Config, storage CacheStorage, network Network) (*Worker, error) {
	if err := validGeneration(cfg.Version); err != nil {
		return nil, err
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	return &Worker{
		id:                  uuid.NewString(),
		version:             cfg.Version,
		origin:              origin,
		manifest:            cfg.Precache,
		offline:             cfg.OfflinePage,
		policy:              NewPolicy(cfg),
		precacheConcurrency: cfg.Network.PrecacheConcurrency,
		storage:             storage,
		network:             network,
		bgSem:               make(chan struct{}, 32),
		writeLog:            newRateLimitedLogger(1 * time.Minute),
	}, nil
}

func (w *Worker) ID() string      { return w.id }
func (w *Worker) Version() string { return w.version }

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) currentCache() Cache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache
}

// Dispatch routes ev to its handler and returns once the event's lifetime
// has settled. For fetches that means once the response is ready; cache
// writes continue in the background and are awaited by Wait.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case InstallEvent:
		return w.Install(ctx)
	case ActivateEvent:
		return w.Activate(ctx)
	case FetchEvent:
		return w.HandleFetch(ctx, e.Request)
	case nil:
		return Result{}, fmt.Errorf("dispatch: nil event")
	default:
		return Result{}, fmt.Errorf("dispatch: unknown event kind %q", ev.Kind())
	}
}

// Wait blocks until every background cache write has finished.
func (w *Worker) Wait(ctx context.Context) error {
	return w.bg.settle(ctx)
}

// Install opens the worker's generation and precaches the manifest. Nothing
// is written unless every manifest URL fetched with a 2xx status.
func (w *Worker) Install(ctx context.Context) (Result, error) {
	w.setState(StateInstalling)

	var l lifetime
	var cache Cache
	l.waitUntil(func() error {
		c, err := w.storage.Open(w.version)
		if err != nil {
			return fmt.Errorf("open generation: %w", err)
		}
		if err := w.addAll(ctx, c); err != nil {
			return err
		}
		cache = c
		return nil
	})
	if err := l.settle(ctx); err != nil {
		w.setState(StateRedundant)
		return Result{}, fmt.Errorf("install %s: %w", w.version, err)
	}

	w.mu.Lock()
	w.cache = cache
	w.state = StateInstalled
	w.mu.Unlock()
	return Result{SkipWaiting: true}, nil
}

func (w *Worker) addAll(ctx context.Context, cache Cache) error {
	urls, err := w.manifestURLs()
	if err != nil {
		return err
	}

	records := make([]Record, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	if w.precacheConcurrency > 0 {
		g.SetLimit(w.precacheConcurrency)
	}
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept-Encoding", "identity")
			resp, err := w.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: unexpected status %d", u, resp.Status)
			}
			// Precached entries are served to every client.
			resp.Header.Del("Set-Cookie")
			records[i] = Record{Key: RequestKey(http.MethodGet, u), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return cache.PutAll(records)
}

// manifestURLs resolves the manifest against the origin, keeping the first
// occurrence of each URL.
func (w *Worker) manifestURLs() ([]*url.URL, error) {
	seen := make(map[string]struct{}, len(w.manifest))
	out := make([]*url.URL, 0, len(w.manifest))
	for _, raw := range w.manifest {
		u, err := w.origin.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("precache %q: %w", raw, err)
		}
		u.Fragment = ""
		u.RawFragment = ""
		k := u.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// Activate deletes every generation other than the worker's own and records
// it as active. Cleanup failures are logged and never fail activation.
func (w *Worker) Activate(ctx context.Context) (Result, error) {
	w.setState(StateActivating)

	var l lifetime
	var deleted []string
	l.waitUntil(func() error {
		names, err := w.storage.Names()
		if err != nil {
			log.Printf("activate %s: list generations: %v", w.version, err)
		}
		for _, name := range names {
			if name == w.version {
				continue
			}
			ok, err := w.storage.Delete(name)
			if err != nil {
				log.Printf("activate %s: delete generation %q: %v", w.version, name, err)
				continue
			}
			if ok {
				deleted = append(deleted, name)
			}
		}
		if err := w.storage.SetActive(w.version); err != nil {
			log.Printf("activate %s: record active generation: %v", w.version, err)
		}
		return nil
	})
	if err := l.settle(ctx); err != nil {
		return Result{}, fmt.Errorf("activate %s: %w", w.version, err)
	}

	w.setState(StateActivated)
	return Result{Deleted: deleted}, nil
}

// restore binds the worker to its existing generation without precaching.
// It is used when a previously activated version is resumed after restart.
func (w *Worker) restore() error {
	c, err := w.storage.Open(w.version)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cache = c
	w.state = StateActivated
	w.mu.Unlock()
	return nil
}

// HandleFetch answers r from the worker's generation when possible and from
// the network otherwise. Non-GET, bypassed and cookie-bearing requests go to
// the origin untouched. A request for another origin is refused with
// ErrCrossOrigin and never dialed.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (Result, error) {
	target, same := w.target(r)
	switch {
	case !same:
		return Result{Outcome: OutcomeCrossOrigin}, fmt.Errorf("%w: %s", ErrCrossOrigin, target.Host)
	case r.Method != http.MethodGet:
		return w.passThrough(ctx, r, target, OutcomeBypass)
	case w.policy.Bypassed(target.Path):
		return w.passThrough(ctx, r, target, OutcomeBypass)
	case w.policy.HasBypassCookie(r):
		return w.passThrough(ctx, r, target, OutcomeCookieBypass)
	}

	cache := w.currentCache()
	if cache == nil {
		return w.passThrough(ctx, r, target, OutcomeBypass)
	}

	key := RequestKey(http.MethodGet, target)
	if resp, ok := w.match(cache, key); ok {
		return Result{Response: resp, Outcome: OutcomeHit}, nil
	}

	req, err := outboundRequest(ctx, r, target, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return w.fallback(cache, key, err)
	}

	if resp.Status != http.StatusOK || resp.Type != TypeBasic ||
		!w.policy.Cacheable(target.Path) || !Shareable(r.Header, resp) {
		return Result{Response: resp, Outcome: OutcomeUncached}, nil
	}
	w.storeAsync(cache, key, resp.Clone())
	return Result{Response: resp, Outcome: OutcomeMiss}, nil
}

// fallback serves the offline page, then a cached copy of the request. The
// offline lookup is fully resolved before the second one is tried.
func (w *Worker) fallback(cache Cache, key string, netErr error) (Result, error) {
	if w.offline != "" {
		if u, err := w.origin.Parse(w.offline); err == nil {
			if resp, ok := w.match(cache, RequestKey(http.MethodGet, u)); ok {
				return Result{Response: resp, Outcome: OutcomeOffline}, nil
			}
		}
	}
	if resp, ok := w.match(cache, key); ok {
		return Result{Response: resp, Outcome: OutcomeOffline}, nil
	}
	return Result{}, fmt.Errorf("%w: %w", ErrNoResponse, netErr)
}

func (w *Worker) match(cache Cache, key string) (Response, bool) {
	resp, ok, err := cache.Match(key)
	if err != nil {
		w.writeLog.Printf("cache lookup %s: %v", key, err)
		return Response{}, false
	}
	return resp, ok
}

func (w *Worker) storeAsync(cache Cache, key string, snap Response) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.writeLog.Printf("cache write dropped for %s: too many pending writes", key)
		return
	}
	w.bg.waitUntil(func() error {
		defer func() { <-w.bgSem }()
		if err := cache.Put(key, snap); err != nil {
			w.writeLog.Printf("cache write %s: %v", key, err)
		}
		return nil
	})
}

func (w *Worker) passThrough(ctx context.Context, r *http.Request, target *url.URL, outcome string) (Result, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := outboundRequest(ctx, r, target, body)
	if err != nil {
		return Result{}, err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp, Outcome: outcome}, nil
}

// target returns the absolute URL r addresses and whether it is on the
// origin. Origin-form requests always address the origin.
func (w *Worker) target(r *http.Request) (*url.URL, bool) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, sameOrigin(&u, w.origin)
	}
	u := &url.URL{
		Scheme:   w.origin.Scheme,
		Host:     w.origin.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, true
}
