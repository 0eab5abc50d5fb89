package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKey_Width(t *testing.T) {
	k := Key("Hello {0}", "digest", "fast-mini")
	if len(k) != 32 {
		t.Fatalf("key width = %d", len(k))
	}
	if k == Key("Hello {0}", "digest", "relay-pro") {
		t.Fatalf("model must be part of the key")
	}
	if k == Key("Hello {0}", "other", "fast-mini") {
		t.Fatalf("glossary digest must be part of the key")
	}
}

func TestGetSet_RoundTrip(t *testing.T) {
	s := openStore(t, Options{})
	if _, ok := s.Get("src", "g", "m"); ok {
		t.Fatalf("unexpected hit on empty store")
	}
	if !s.Set("src", "g", "m", "übersetzt") {
		t.Fatalf("Set failed")
	}
	got, ok := s.Get("src", "g", "m")
	if !ok || got != "übersetzt" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	st := s.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGet_TTLExpiry(t *testing.T) {
	s := openStore(t, Options{TTL: time.Hour})
	s.Set("src", "g", "m", "old")
	// Age the entry past the TTL.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok := s.Get("src", "g", "m"); ok {
		t.Fatalf("expired entry must miss")
	}
	// Reclaim removed the row and its bytes.
	if got := s.SizeBytes(); got != 0 {
		t.Fatalf("size after reclaim = %d", got)
	}
}

func TestSet_LRUEviction(t *testing.T) {
	s := openStore(t, Options{MaxBytes: 30})
	base := time.Unix(1000, 0)
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		s.Set(fmt.Sprintf("src-%d", i), "g", "m", "0123456789") // 10 bytes each
	}
	if got := s.SizeBytes(); got != 30 {
		t.Fatalf("size = %d", got)
	}

	// Touch src-0 so src-1 becomes the LRU victim.
	clock = base.Add(10 * time.Minute)
	if _, ok := s.Get("src-0", "g", "m"); !ok {
		t.Fatalf("src-0 should hit")
	}
	clock = base.Add(11 * time.Minute)
	s.Set("src-3", "g", "m", "0123456789")

	if _, ok := s.Get("src-1", "g", "m"); ok {
		t.Fatalf("src-1 should have been evicted")
	}
	if _, ok := s.Get("src-0", "g", "m"); !ok {
		t.Fatalf("recently used src-0 must survive")
	}
	if got := s.SizeBytes(); got != 30 {
		t.Fatalf("size after eviction = %d", got)
	}
	if st := s.Stats(); st.Evictions != 1 {
		t.Fatalf("evictions = %d", st.Evictions)
	}
}

func TestSet_OverwriteAdjustsSize(t *testing.T) {
	s := openStore(t, Options{})
	s.Set("src", "g", "m", "short")
	s.Set("src", "g", "m", "a much longer translation")
	if got := s.SizeBytes(); got != int64(len("a much longer translation")) {
		t.Fatalf("size = %d", got)
	}
}

func TestClear(t *testing.T) {
	s := openStore(t, Options{})
	s.Set("a", "g", "m", "x")
	s.Set("b", "g", "m", "y")
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.SizeBytes(); got != 0 {
		t.Fatalf("size after clear = %d", got)
	}
	if _, ok := s.Get("a", "g", "m"); ok {
		t.Fatalf("entry survived clear")
	}
}

func TestNilStoreIsMissAndNoop(t *testing.T) {
	var s *Store
	if _, ok := s.Get("a", "g", "m"); ok {
		t.Fatalf("nil store must miss")
	}
	if s.Set("a", "g", "m", "x") {
		t.Fatalf("nil store must not accept writes")
	}
	if s.SizeBytes() != 0 || s.Close() != nil {
		t.Fatalf("nil store accessors must be safe")
	}
}
