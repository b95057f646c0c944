package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Registration is the host runtime for workers. It keeps the active worker,
// installs new versions and routes every request through the worker that
// controls it.
type Registration struct {
	cfg     Config
	storage CacheStorage
	network Network

	// bare answers requests while no worker is active; it has no generation
	// and passes everything to the network.
	bare *Worker

	updateMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	retired []*Worker

	stats    *statsCollector
	errorLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRegistration(cfg Config, storage CacheStorage, network Network) (*Registration, error) {
	bare, err := NewWorker(cfg, storage, network)
	if err != nil {
		return nil, err
	}
	r := &Registration{
		cfg:      cfg,
		storage:  storage,
		network:  network,
		bare:     bare,
		stats:    newStatsCollector(),
		errorLog: newRateLimitedLogger(1 * time.Minute),
		stopCh:   make(chan struct{}),
	}

	name, err := storage.Active()
	if err != nil {
		return nil, fmt.Errorf("read active generation: %w", err)
	}
	if name != "" {
		ok, err := storage.Has(name)
		if err != nil {
			return nil, fmt.Errorf("check active generation %s: %w", name, err)
		}
		if ok {
			prev := cfg
			prev.Version = name
			w, err := NewWorker(prev, storage, network)
			if err != nil {
				return nil, err
			}
			if err := w.restore(); err != nil {
				return nil, fmt.Errorf("resume generation %s: %w", name, err)
			}
			r.active = w
			log.Printf("resumed active generation %s", name)
		}
	}

	if cfg.Logging.StatsEvery > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.statsLoop(cfg.Logging.StatsEvery)
		}()
	}
	return r, nil
}

// Active returns the worker controlling requests, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// NeedsUpdate reports whether the configured version is not the active one.
func (r *Registration) NeedsUpdate() bool {
	a := r.Active()
	return a == nil || a.Version() != r.cfg.Version
}

// Update installs a worker for the configured version and, once installed,
// activates it and claims control. On install failure the previous worker
// keeps serving and the error is returned.
func (r *Registration) Update(ctx context.Context) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	w, err := NewWorker(r.cfg, r.storage, r.network)
	if err != nil {
		return nil, err
	}

	res, err := w.Dispatch(ctx, InstallEvent{})
	if err != nil {
		return nil, err
	}
	log.Printf("installed %s (worker %s, %d precached)", w.Version(), w.ID(), len(r.cfg.Precache))
	if !res.SkipWaiting {
		return w, nil
	}

	act, err := w.Dispatch(ctx, ActivateEvent{})
	if err != nil {
		w.setState(StateRedundant)
		return nil, err
	}
	r.claim(w)
	if len(act.Deleted) > 0 {
		log.Printf("activated %s, deleted stale generations: %s", w.Version(), strings.Join(act.Deleted, ", "))
	} else {
		log.Printf("activated %s", w.Version())
	}
	return w, nil
}

func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	prev := r.active
	r.active = w
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
		r.retired = append(r.retired, prev)
	}
	r.mu.Unlock()
}

// DeleteGeneration removes a stale generation. The active one is refused.
func (r *Registration) DeleteGeneration(name string) error {
	if a := r.Active(); a != nil && a.Version() == name {
		return ErrCurrentGeneration
	}
	ok, err := r.storage.Delete(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationNotFound
	}
	return nil
}

// Close stops background loops and waits for pending cache writes of every
// worker this registration has run.
func (r *Registration) Close() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.RLock()
	workers := append([]*Worker{r.bare}, r.retired...)
	if r.active != nil {
		workers = append(workers, r.active)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, w := range workers {
		if err := w.Wait(ctx); err != nil {
			log.Printf("wait worker %s: %v", w.ID(), err)
		}
	}
}

func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	worker := r.Active()
	if worker == nil {
		worker = r.bare
	}

	res, err := worker.Dispatch(req.Context(), FetchEvent{Request: req})
	if errors.Is(err, ErrCrossOrigin) {
		r.stats.Observe(OutcomeCrossOrigin, 0)
		setBlogcacheHeaders(w.Header(), OutcomeCrossOrigin)
		http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.errorLog.Printf("fetch %s %s: %v", req.Method, req.URL, err)
		}
		r.stats.Observe("network-error", 0)
		setBlogcacheHeaders(w.Header(), "network-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	writeResponse(w, res.Response, res.Outcome)
	r.stats.Observe(res.Outcome, len(res.Response.Body))
}

func writeResponse(w http.ResponseWriter, resp Response, outcome string) {
	copyHeaders(w.Header(), resp.Header)
	setBlogcacheHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setBlogcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Blogcache", outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Blogcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- status ----

type WorkerInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
}

type GenerationInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

type Status struct {
	ConfiguredVersion string           `json:"configured_version"`
	Active            *WorkerInfo      `json:"active,omitempty"`
	Generations       []GenerationInfo `json:"generations"`
	Stats             StatsSnapshot    `json:"stats"`
}

func (r *Registration) Status() (Status, error) {
	st := Status{ConfiguredVersion: r.cfg.Version, Stats: r.stats.Snapshot()}
	current := ""
	if a := r.Active(); a != nil {
		current = a.Version()
		st.Active = &WorkerInfo{ID: a.ID(), Version: a.Version(), State: a.State().String()}
	}
	gens, err := ListGenerations(r.storage, current)
	if err != nil {
		return Status{}, err
	}
	st.Generations = gens
	return st, nil
}

// ListGenerations describes every generation in storage, marking current.
func ListGenerations(storage CacheStorage, current string) ([]GenerationInfo, error) {
	names, err := storage.Names()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		n, err := storage.Entries(name)
		if errors.Is(err, ErrGenerationNotFound) {
			// Deleted since Names returned.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("count entries of %s: %w", name, err)
		}
		out = append(out, GenerationInfo{Name: name, Entries: n, Current: name == current})
	}
	return out, nil
}

func (r *Registration) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			st, err := r.Status()
			if err != nil {
				log.Printf("stats: %v", err)
				continue
			}
			active := "none"
			if st.Active != nil {
				active = st.Active.Version
			}
			entries := 0
			for _, g := range st.Generations {
				entries += g.Entries
			}
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = humanize.IBytes(b)
			}
			log.Printf(
				"Active: %s, Generations: %d, Entries: %d, Hit ratio: %.1f%%, Resp min/avg/max %s/%s/%s, RSS: %s",
				active,
				len(st.Generations),
				entries,
				st.Stats.HitRatio()*100,
				humanize.IBytes(st.Stats.MinRespBytes),
				humanize.IBytes(st.Stats.AvgRespBytes),
				humanize.IBytes(st.Stats.MaxRespBytes),
				rss,
			)
		}
	}
}
