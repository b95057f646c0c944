package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>            genMeta
//	e:<generation>\x00<key>   Response
//	s:active                  name of the active generation
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	activeKey   = "s:active"
)

type genMeta struct {
	CreatedAt int64 // unix nanoseconds
}

type levelDBStorage struct {
	db *leveldb.DB

	// mu orders generation creation/deletion against entry writes, so a
	// write never lands in a generation that is being deleted.
	mu sync.RWMutex
}

// OpenLevelDBStorage opens (or creates) a leveldb-backed storage at path.
func OpenLevelDBStorage(path string) (CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelDBStorage{db: db}, nil
}

func (s *levelDBStorage) Close() error { return s.db.Close() }

func (s *levelDBStorage) Open(name string) (Cache, error) {
	if err := validGeneration(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(genMeta{CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
			return nil, err
		}
	}
	return &levelDBCache{s: s, name: name}, nil
}

func (s *levelDBStorage) Has(name string) (bool, error) {
	return s.db.Has([]byte(genPrefix+name), nil)
}

func (s *levelDBStorage) Entries(name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrGenerationNotFound
	}
	it := s.db.NewIterator(util.BytesPrefix(entryPrefixFor(name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *levelDBStorage) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	type gen struct {
		name string
		meta genMeta
	}
	var gens []gen
	for it.Next() {
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		gens = append(gens, gen{name: string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))), meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(gens, func(i, j int) bool {
		return gens[i].meta.CreatedAt < gens[j].meta.CreatedAt
	})
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out, nil
}

func (s *levelDBStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefixFor(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(genPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelDBStorage) Active() (string, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *levelDBStorage) SetActive(name string) error {
	return s.db.Put([]byte(activeKey), []byte(name), nil)
}

func entryPrefixFor(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

type levelDBCache struct {
	s    *levelDBStorage
	name string
}

func (c *levelDBCache) Name() string { return c.name }

func (c *levelDBCache) entryKey(key string) []byte {
	return append(entryPrefixFor(c.name), key...)
}

func (c *levelDBCache) Match(key string) (Response, bool, error) {
	b, err := c.s.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return resp, true, nil
}

func (c *levelDBCache) Put(key string, resp Response) error {
	return c.PutAll([]Record{{Key: key, Response: resp}})
}

func (c *levelDBCache) PutAll(records []Record) error {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)
	for _, rec := range records {
		resp := rec.Response
		resp.StoredAt = now
		b, err := encodeGob(resp)
		if err != nil {
			return fmt.Errorf("encode %q: %w", rec.Key, err)
		}
		batch.Put(c.entryKey(rec.Key), b)
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ok, err := c.s.db.Has([]byte(genPrefix+c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationDeleted
	}
	return c.s.db.Write(batch, nil)
}

func (c *levelDBCache) Keys() ([]string, error) {
	prefix := entryPrefixFor(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (c *levelDBCache) Delete(key string) (bool, error) {
	k := c.entryKey(key)
	ok, err := c.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.s.db.Delete(k, nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
