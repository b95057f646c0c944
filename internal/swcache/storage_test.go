package swcache

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"
)

func storageDrivers() map[string]func(t *testing.T) CacheStorage {
	return map[string]func(t *testing.T) CacheStorage{
		"memory": func(t *testing.T) CacheStorage {
			return NewMemoryStorage()
		},
		"leveldb": func(t *testing.T) CacheStorage {
			s, err := OpenLevelDBStorage(filepath.Join(t.TempDir(), "leveldb"))
			if err != nil {
				t.Fatalf("OpenLevelDBStorage: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func sampleResponse(body string) Response {
	h := http.Header{}
	h.Set("Content-Type", "text/css")
	return newResponse(http.StatusOK, h, []byte(body), "http://blog.test/static/app.css", TypeBasic)
}

func TestStorageGenerations(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			for _, g := range []string{"gen-a", "gen-b", "gen-c"} {
				if _, err := s.Open(g); err != nil {
					t.Fatalf("Open(%q): %v", g, err)
				}
			}
			// Reopening does not duplicate.
			if _, err := s.Open("gen-a"); err != nil {
				t.Fatalf("reopen: %v", err)
			}

			names, err := s.Names()
			if err != nil {
				t.Fatalf("Names: %v", err)
			}
			want := []string{"gen-a", "gen-b", "gen-c"}
			if len(names) != len(want) {
				t.Fatalf("names: got %v, want %v", names, want)
			}
			for i := range want {
				if names[i] != want[i] {
					t.Errorf("names[%d]: got %q, want %q", i, names[i], want[i])
				}
			}

			ok, err := s.Delete("gen-b")
			if err != nil || !ok {
				t.Fatalf("Delete(gen-b) = %v, %v", ok, err)
			}
			ok, err = s.Delete("gen-b")
			if err != nil || ok {
				t.Errorf("second Delete(gen-b) = %v, %v; want false, nil", ok, err)
			}
			if has, _ := s.Has("gen-b"); has {
				t.Error("gen-b still present")
			}
			if has, _ := s.Has("gen-a"); !has {
				t.Error("gen-a missing")
			}
		})
	}
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			for _, bad := range []string{"", "a\x00b"} {
				if _, err := s.Open(bad); !errors.Is(err, ErrInvalidGeneration) {
					t.Errorf("Open(%q): got %v, want ErrInvalidGeneration", bad, err)
				}
			}
		})
	}
}

func TestCachePutMatchDelete(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			c, err := s.Open("blog-cache-v1")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			key := "GET http://blog.test/static/app.css"
			if _, ok, err := c.Match(key); err != nil || ok {
				t.Fatalf("Match on empty cache = %v, %v", ok, err)
			}

			if err := c.Put(key, sampleResponse("body{}")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, ok, err := c.Match(key)
			if err != nil || !ok {
				t.Fatalf("Match = %v, %v", ok, err)
			}
			if string(got.Body) != "body{}" || got.Status != http.StatusOK || got.Type != TypeBasic {
				t.Errorf("unexpected entry: %+v", got)
			}
			if got.Header.Get("Content-Type") != "text/css" {
				t.Errorf("header: got %q", got.Header.Get("Content-Type"))
			}
			if got.StoredAt == 0 {
				t.Error("StoredAt not set")
			}

			// Mutating a match result does not touch the stored entry.
			got.Body[0] = 'X'
			again, _, _ := c.Match(key)
			if string(again.Body) != "body{}" {
				t.Errorf("stored body changed: %q", again.Body)
			}

			keys, err := c.Keys()
			if err != nil || len(keys) != 1 || keys[0] != key {
				t.Errorf("Keys = %v, %v", keys, err)
			}

			ok, err = c.Delete(key)
			if err != nil || !ok {
				t.Errorf("Delete = %v, %v", ok, err)
			}
			if _, ok, _ := c.Match(key); ok {
				t.Error("entry still present after Delete")
			}
		})
	}
}

func TestCachePutAll(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			c, _ := s.Open("blog-cache-v1")
			recs := []Record{
				{Key: "GET http://blog.test/", Response: sampleResponse("home")},
				{Key: "GET http://blog.test/static/app.css", Response: sampleResponse("css")},
			}
			if err := c.PutAll(recs); err != nil {
				t.Fatalf("PutAll: %v", err)
			}
			keys, _ := c.Keys()
			if len(keys) != 2 {
				t.Errorf("keys: got %v", keys)
			}
		})
	}
}

func TestCacheWriteAfterGenerationDeleted(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			c, _ := s.Open("blog-cache-v0")
			key := "GET http://blog.test/static/app.css"
			if err := c.Put(key, sampleResponse("old")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			other, _ := s.Open("blog-cache-v1")
			_ = other.Put(key, sampleResponse("new"))

			if _, err := s.Delete("blog-cache-v0"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := c.Put(key, sampleResponse("late")); !errors.Is(err, ErrGenerationDeleted) {
				t.Errorf("Put after delete: got %v, want ErrGenerationDeleted", err)
			}
			if _, ok, _ := c.Match(key); ok {
				t.Error("deleted generation still matches")
			}
			got, ok, _ := other.Match(key)
			if !ok || string(got.Body) != "new" {
				t.Errorf("entries of other generation affected: %q, %v", got.Body, ok)
			}
		})
	}
}

func TestStorageActive(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if a, err := s.Active(); err != nil || a != "" {
				t.Fatalf("Active on empty storage = %q, %v", a, err)
			}
			if err := s.SetActive("blog-cache-v2"); err != nil {
				t.Fatalf("SetActive: %v", err)
			}
			if a, _ := s.Active(); a != "blog-cache-v2" {
				t.Errorf("Active: got %q", a)
			}
		})
	}
}

func TestLevelDBStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	s, err := OpenLevelDBStorage(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, _ := s.Open("blog-cache-v1")
	if err := c.Put("GET http://blog.test/", sampleResponse("home")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = s.SetActive("blog-cache-v1")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenLevelDBStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if a, _ := s.Active(); a != "blog-cache-v1" {
		t.Errorf("active after reopen: %q", a)
	}
	c, _ = s.Open("blog-cache-v1")
	got, ok, err := c.Match("GET http://blog.test/")
	if err != nil || !ok || string(got.Body) != "home" {
		t.Errorf("Match after reopen = %q, %v, %v", got.Body, ok, err)
	}
}

func TestStorageEntriesNeverCreates(t *testing.T) {
	for name, open := range storageDrivers() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if _, err := s.Entries("absent"); !errors.Is(err, ErrGenerationNotFound) {
				t.Fatalf("Entries(absent): got %v, want ErrGenerationNotFound", err)
			}
			if ok, _ := s.Has("absent"); ok {
				t.Fatal("Entries created the generation")
			}

			c, err := s.Open("gen-a")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if err := c.PutAll([]Record{
				{Key: "GET http://blog.test/a.css", Response: sampleResponse("a")},
				{Key: "GET http://blog.test/b.css", Response: sampleResponse("b")},
			}); err != nil {
				t.Fatalf("PutAll: %v", err)
			}
			if n, err := s.Entries("gen-a"); err != nil || n != 2 {
				t.Errorf("Entries(gen-a): got %d, %v", n, err)
			}
		})
	}
}
