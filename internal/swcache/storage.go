package swcache

import (
	"sort"
	"sync"
	"time"
)

// CacheStorage holds named cache generations.
type CacheStorage interface {
	// Open returns the named generation, creating it if needed.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	// Entries counts the entries of an existing generation without creating
	// it. A missing generation yields ErrGenerationNotFound.
	Entries(name string) (int, error)
	// Names lists generations in creation order.
	Names() ([]string, error)
	// Delete removes a generation and all of its entries. It reports whether
	// the generation existed.
	Delete(name string) (bool, error)

	// Active returns the generation last recorded by an activation, or "".
	Active() (string, error)
	SetActive(name string) error

	Close() error
}

// Cache is a single generation. Put and Match are atomic per key.
type Cache interface {
	Name() string
	Match(key string) (Response, bool, error)
	Put(key string, resp Response) error
	// PutAll writes every record or none of them.
	PutAll(records []Record) error
	Keys() ([]string, error)
	Delete(key string) (bool, error)
}

type Record struct {
	Key      string
	Response Response
}

// ---- memory storage ----

type memoryStorage struct {
	mu     sync.Mutex
	gens   map[string]*memoryCache
	order  []string
	active string
}

func NewMemoryStorage() CacheStorage {
	return &memoryStorage{gens: map[string]*memoryCache{}}
}

func (s *memoryStorage) Open(name string) (Cache, error) {
	if err := validGeneration(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.gens[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, items: map[string]Response{}}
	s.gens[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memoryStorage) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.gens[name]
	return ok, nil
}

func (s *memoryStorage) Entries(name string) (int, error) {
	s.mu.Lock()
	c, ok := s.gens[name]
	s.mu.Unlock()
	if !ok {
		return 0, ErrGenerationNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), nil
}

func (s *memoryStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *memoryStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	c, ok := s.gens[name]
	if ok {
		delete(s.gens, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		c.markDeleted()
	}
	return ok, nil
}

func (s *memoryStorage) Active() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *memoryStorage) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = name
	return nil
}

func (s *memoryStorage) Close() error { return nil }

type memoryCache struct {
	name string

	mu      sync.RWMutex
	items   map[string]Response
	deleted bool
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(key string) (Response, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return Response{}, false, nil
	}
	resp, ok := c.items[key]
	if !ok {
		return Response{}, false, nil
	}
	return resp.Clone(), true, nil
}

func (c *memoryCache) Put(key string, resp Response) error {
	return c.PutAll([]Record{{Key: key, Response: resp}})
}

func (c *memoryCache) PutAll(records []Record) error {
	now := time.Now().Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrGenerationDeleted
	}
	for _, rec := range records {
		resp := rec.Response.Clone()
		resp.StoredAt = now
		c.items[rec.Key] = resp
	}
	return nil
}

func (c *memoryCache) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryCache) Delete(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok, nil
}

func (c *memoryCache) markDeleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	c.items = map[string]Response{}
}
