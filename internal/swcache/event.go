package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Event is one of the lifecycle messages a worker handles: InstallEvent,
// FetchEvent or ActivateEvent.
type Event interface {
	Kind() string
}

type InstallEvent struct{}

type ActivateEvent struct{}

type FetchEvent struct {
	Request *http.Request
}

func (InstallEvent) Kind() string  { return "install" }
func (ActivateEvent) Kind() string { return "activate" }
func (FetchEvent) Kind() string    { return "fetch" }

// Result is what the host gets back once an event's lifetime has settled.
// Only the fields relevant to the event kind are set.
type Result struct {
	// Install
	SkipWaiting bool

	// Fetch
	Response Response
	Outcome  string

	// Activate
	Deleted []string
}

// lifetime keeps an event open until every task handed to waitUntil has
// returned.
type lifetime struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (l *lifetime) waitUntil(fn func() error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := fn(); err != nil {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	}()
}

// settle blocks until all extensions return or ctx is done. When ctx ends
// first the tasks keep running, so a task that can block must watch the
// context it was started with.
func (l *lifetime) settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.errs...)
}
