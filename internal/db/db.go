// Package db stores cache metadata: one row per URL describing where the
// cached response body lives on disk and which validators (Last-Modified,
// ETag) came with it.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
	CREATE TABLE urls (
		url TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		last_modified TEXT,
		etag TEXT,
		expires TEXT
	);
`

// MemoryPath is the location that denotes a non-durable, in-process store.
// Data written to it lives only as long as the Store handle.
const MemoryPath = ":memory:"

// ErrNotFound is returned by Lookup when a URL has no record.
var ErrNotFound = errors.New("url not found in cache")

// CorruptRecordError indicates a stored value had the wrong underlying type
// where text was required.
type CorruptRecordError struct {
	Column string
	Value  any
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("%s had wrong type: %v", e.Column, e.Value)
}

// Record holds everything we know about a cached URL. Path is relative to
// the cache root, forward-slash separated. The remaining fields are the raw
// header values from the original response; empty string means the header
// was absent.
type Record struct {
	Path         string
	LastModified string
	ETag         string
	Expires      string
}

// Store is the metadata database backing a cache root.
type Store struct {
	path string
	db   *sql.DB
	log  zerolog.Logger
}

// Open opens or creates the metadata store at path. The schema is created
// only on first open; reopening an existing store keeps its data. Pass
// MemoryPath for an ephemeral store.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving store path: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// The pool is pinned to one connection for every store. A :memory:
	// database exists per connection, so more than one would make each
	// query see a different database; file-backed stores get the same cap,
	// serializing all access through a single handle rather than leaning
	// on SQLite's own busy handling.
	conn.SetMaxOpenConns(1)

	s := &Store{path: path, db: conn, log: logger}

	var objects int
	if err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master;").Scan(&objects); err != nil {
		conn.Close()
		return nil, fmt.Errorf("inspecting store schema: %w", err)
	}
	if objects == 0 {
		logger.Debug().Str("path", path).Msg("empty metadata store, loading schema")
		if _, err := conn.Exec(schemaSQL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating store schema: %w", err)
		}
	}

	return s, nil
}

// canonicalPath resolves path so two Stores opened on the same file compare
// equal. The parent directory must exist; the file itself need not.
// MemoryPath is used as-is, it has no filesystem parent to resolve.
func canonicalPath(path string) (string, error) {
	if path == MemoryPath {
		return path, nil
	}
	parent, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	parent, err = filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

// Path returns the canonical location of the store. Two Stores describe the
// same database exactly when their Paths are equal.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// normalize strips the fragment from u; URLs differing only by fragment are
// the same cache entry.
func normalize(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// Lookup returns the record for u, ignoring any URL fragment. It returns
// ErrNotFound if the URL has no record and a *CorruptRecordError if the
// stored path is not text. Corrupt optional columns are logged and treated
// as absent; the record is still usable without its validators.
func (s *Store) Lookup(u *url.URL) (Record, error) {
	key := normalize(u)

	var path, lastModified, etag, expires any
	err := s.db.QueryRow(`
		SELECT path, last_modified, etag, expires
		FROM urls
		WHERE url = ?1
	`, key).Scan(&path, &lastModified, &etag, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying store: %w", err)
	}

	rec := Record{}
	p, ok := path.(string)
	if !ok {
		return Record{}, &CorruptRecordError{Column: "path", Value: path}
	}
	rec.Path = p
	rec.LastModified = s.textColumn("last_modified", lastModified)
	rec.ETag = s.textColumn("etag", etag)
	rec.Expires = s.textColumn("expires", expires)

	s.log.Debug().
		Str("url", key).
		Str("path", rec.Path).
		Str("etag", rec.ETag).
		Str("last_modified", rec.LastModified).
		Msg("metadata hit")

	return rec, nil
}

// textColumn coerces an optional column value to a string. Anything that is
// neither text nor NULL is treated as absent.
func (s *Store) textColumn(column string, v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		s.log.Warn().Str("column", column).Interface("value", v).
			Msg("optional column contained non-text value, ignoring")
		return ""
	}
}

// Set opens a transaction and upserts the record for u, fragment stripped.
// The write only becomes visible to Lookup once the returned Tx is
// committed; closing the Tx without committing rolls it back.
func (s *Store) Set(u *url.URL, rec Record) (*Tx, error) {
	key := normalize(u)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	t := &Tx{tx: tx, log: s.log}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO urls
			(url, path, last_modified, etag, expires)
		VALUES
			(?1, ?2, ?3, ?4, ?5);
	`, key, rec.Path, nullable(rec.LastModified), nullable(rec.ETag), nullable(rec.Expires))
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("upserting record: %w", err)
	}

	return t, nil
}

// nullable maps the empty string to SQL NULL so absent headers stay absent.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Tx is a pending metadata write. Callers must either Commit it or Close it;
// deferring Close right after Set guarantees an aborted write never becomes
// visible.
type Tx struct {
	tx   *sql.Tx
	done bool
	log  zerolog.Logger
}

// Commit finalizes the write. On commit failure the transaction is rolled
// back and the commit error is returned; a rollback failure is logged rather
// than returned so it cannot mask the root cause.
func (t *Tx) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		t.log.Debug().Err(err).Msg("commit failed, rolling back")
		if rbErr := t.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			t.log.Warn().Err(rbErr).Msg("rollback after failed commit also failed")
		}
		return fmt.Errorf("committing record: %w", err)
	}
	return nil
}

// Close rolls the transaction back unless it was committed. It is safe to
// call after Commit.
func (t *Tx) Close() {
	if t.done {
		return
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.log.Debug().Err(err).Msg("rolling back abandoned transaction failed")
	}
}
