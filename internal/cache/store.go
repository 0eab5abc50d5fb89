// Package cache is the response-addressed translation cache: SQLite keyed
// on SHA-256(source, glossary digest, model), with TTL expiry and an
// LRU-evicted byte-size cap.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// cacheKeyHexWidth fixes the truncated hex width of the SHA-256 key.
const cacheKeyHexWidth = 32

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
	key            TEXT PRIMARY KEY,
	translation    TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	last_access_at INTEGER NOT NULL,
	size_bytes     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_last_access ON entries(last_access_at);
CREATE TABLE IF NOT EXISTS meta (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	total_bytes INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, total_bytes) VALUES (1, 0);
`

type Options struct {
	TTL      time.Duration // 0 means entries never expire
	MaxBytes int64         // 0 means unbounded
}

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Store is safe for concurrent Get/Set. Every storage fault degrades to a
// miss on read and a no-op on write; the pipeline never fails on a cache
// fault.
type Store struct {
	db   *sql.DB
	opts Options
	now  func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the worker pool.
	db.SetMaxOpenConns(1)
	return &Store{db: db, opts: opts, now: time.Now}, nil
}

// Key derives the content address. Any change to source text, glossary
// digest or model name changes the key; that invalidation is intentional.
func Key(source, glossaryDigest, model string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(glossaryDigest))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))[:cacheKeyHexWidth]
}

func (s *Store) Get(source, glossaryDigest, model string) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}
	key := Key(source, glossaryDigest, model)
	now := s.now().Unix()

	var translation string
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT translation, created_at FROM entries WHERE key = ?`, key,
	).Scan(&translation, &createdAt)
	if err != nil {
		s.misses.Add(1)
		return "", false
	}
	if s.opts.TTL > 0 && now-createdAt > int64(s.opts.TTL.Seconds()) {
		// Expired: reclaim opportunistically, count as miss.
		s.deleteEntry(key)
		s.misses.Add(1)
		return "", false
	}
	_, _ = s.db.Exec(`UPDATE entries SET last_access_at = ? WHERE key = ?`, now, key)
	s.hits.Add(1)
	return translation, true
}

func (s *Store) Set(source, glossaryDigest, model, translation string) bool {
	if s == nil || s.db == nil {
		return false
	}
	key := Key(source, glossaryDigest, model)
	now := s.now().Unix()
	size := int64(len(translation))

	tx, err := s.db.Begin()
	if err != nil {
		return false
	}
	defer tx.Rollback()

	var oldSize int64
	hadOld := tx.QueryRow(`SELECT size_bytes FROM entries WHERE key = ?`, key).Scan(&oldSize) == nil

	if _, err := tx.Exec(
		`INSERT INTO entries (key, translation, created_at, last_access_at, size_bytes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			translation = excluded.translation,
			created_at = excluded.created_at,
			last_access_at = excluded.last_access_at,
			size_bytes = excluded.size_bytes`,
		key, translation, now, now, size,
	); err != nil {
		return false
	}
	delta := size
	if hadOld {
		delta = size - oldSize
	}
	if _, err := tx.Exec(`UPDATE meta SET total_bytes = total_bytes + ? WHERE id = 1`, delta); err != nil {
		return false
	}

	evicted, err := s.evictLRU(tx, key)
	if err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	s.evictions.Add(evicted)
	return true
}

// evictLRU drops least-recently-used entries until total_bytes fits the
// cap, never evicting the entry just written.
func (s *Store) evictLRU(tx *sql.Tx, keep string) (int64, error) {
	if s.opts.MaxBytes <= 0 {
		return 0, nil
	}
	var evicted int64
	for {
		var total int64
		if err := tx.QueryRow(`SELECT total_bytes FROM meta WHERE id = 1`).Scan(&total); err != nil {
			return evicted, err
		}
		if total <= s.opts.MaxBytes {
			return evicted, nil
		}
		var victim string
		var victimSize int64
		err := tx.QueryRow(
			`SELECT key, size_bytes FROM entries WHERE key != ? ORDER BY last_access_at ASC, key ASC LIMIT 1`,
			keep,
		).Scan(&victim, &victimSize)
		if err != nil {
			return evicted, nil // nothing evictable left
		}
		if _, err := tx.Exec(`DELETE FROM entries WHERE key = ?`, victim); err != nil {
			return evicted, err
		}
		if _, err := tx.Exec(`UPDATE meta SET total_bytes = total_bytes - ? WHERE id = 1`, victimSize); err != nil {
			return evicted, err
		}
		evicted++
	}
}

func (s *Store) deleteEntry(key string) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	var size int64
	if err := tx.QueryRow(`SELECT size_bytes FROM entries WHERE key = ?`, key).Scan(&size); err != nil {
		return
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return
	}
	if _, err := tx.Exec(`UPDATE meta SET total_bytes = total_bytes - ? WHERE id = 1`, size); err != nil {
		return
	}
	_ = tx.Commit()
}

// SizeBytes reports the accounted total payload size.
func (s *Store) SizeBytes() int64 {
	if s == nil || s.db == nil {
		return 0
	}
	var total int64
	if err := s.db.QueryRow(`SELECT total_bytes FROM meta WHERE id = 1`).Scan(&total); err != nil {
		return 0
	}
	return total
}

// Clear drops every entry and resets accounting.
func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE meta SET total_bytes = 0 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
