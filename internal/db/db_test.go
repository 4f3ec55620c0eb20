package db

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func set(t *testing.T, s *Store, rawURL string, rec Record) {
	t.Helper()
	tx, err := s.Set(mustParse(t, rawURL), rec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestOpenFreshStore(t *testing.T) {
	s := openMemoryStore(t)

	var name string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table'").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "urls", name)
}

func TestReopenExistingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	rec := Record{Path: "content/abc", ETag: `"one"`}

	s1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	set(t, s1, "http://example.com/", rec)
	require.NoError(t, s1.Close())

	// Reopening must keep the data and not reload the schema.
	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Lookup(mustParse(t, "http://example.com/"))
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestOpenMissingParent(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "does", "not", "exist"), zerolog.Nop())
	require.Error(t, err)
}

func TestLookupEmptyStore(t *testing.T) {
	s := openMemoryStore(t)

	_, err := s.Lookup(mustParse(t, "http://example.com/"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupUnknownURL(t *testing.T) {
	s := openMemoryStore(t)
	set(t, s, "http://example.com/one", Record{Path: "path/to/data"})

	_, err := s.Lookup(mustParse(t, "http://example.com/two"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupKnownURL(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"path only", Record{Path: "path/to/data"}},
		{"with validators", Record{
			Path:         "path/to/data",
			LastModified: "Thu, 01 Jan 1970 00:00:00 GMT",
			ETag:         "some-etag",
		}},
		{"with expires", Record{
			Path:    "path/to/data",
			Expires: "Thu, 01 Jan 1970 00:00:00 GMT",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openMemoryStore(t)
			set(t, s, "http://example.com/", tt.rec)

			got, err := s.Lookup(mustParse(t, "http://example.com/"))
			require.NoError(t, err)
			require.Equal(t, tt.rec, got)
		})
	}
}

func TestLookupCorruptPath(t *testing.T) {
	s := openMemoryStore(t)

	_, err := s.db.Exec(`
		INSERT INTO urls (url, path, last_modified, etag, expires)
		VALUES ('http://example.com/', CAST('abc' AS BLOB), NULL, NULL, NULL)
	`)
	require.NoError(t, err)

	_, err = s.Lookup(mustParse(t, "http://example.com/"))
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, "path", corrupt.Column)
}

func TestLookupCorruptOptionalColumns(t *testing.T) {
	s := openMemoryStore(t)

	_, err := s.db.Exec(`
		INSERT INTO urls (url, path, last_modified, etag, expires)
		VALUES ('http://example.com/',
		        'path/to/data',
		        CAST('abc' AS BLOB),
		        CAST('def' AS BLOB),
		        CAST('ghi' AS BLOB))
	`)
	require.NoError(t, err)

	// Non-text validators are dropped; the record stays usable.
	got, err := s.Lookup(mustParse(t, "http://example.com/"))
	require.NoError(t, err)
	require.Equal(t, Record{Path: "path/to/data"}, got)
}

func TestLookupIgnoresFragment(t *testing.T) {
	s := openMemoryStore(t)
	rec := Record{Path: "path/to/data"}
	set(t, s, "http://example.com/", rec)

	got, err := s.Lookup(mustParse(t, "http://example.com/#top"))
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestSetIgnoresFragment(t *testing.T) {
	s := openMemoryStore(t)

	one := Record{Path: "path/to/data/one", ETag: "one"}
	two := Record{Path: "path/to/data/two", ETag: "two"}

	set(t, s, "http://example.com/#frag", one)
	set(t, s, "http://example.com/", two)

	// Any fragment, or none, reads the same record.
	for _, raw := range []string{
		"http://example.com/#frag",
		"http://example.com/#garf",
		"http://example.com/",
	} {
		got, err := s.Lookup(mustParse(t, raw))
		require.NoError(t, err)
		require.Equal(t, two, got)
	}

	set(t, s, "http://example.com/#boop", one)

	got, err := s.Lookup(mustParse(t, "http://example.com/"))
	require.NoError(t, err)
	require.Equal(t, one, got)
}

func TestSetWithoutCommit(t *testing.T) {
	s := openMemoryStore(t)

	tx, err := s.Set(mustParse(t, "http://example.com/"), Record{Path: "path/to/data"})
	require.NoError(t, err)
	tx.Close()

	// The abandoned write must leave no trace.
	_, err = s.Lookup(mustParse(t, "http://example.com/"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommitFailureSurfacesError(t *testing.T) {
	s := openMemoryStore(t)

	tx, err := s.Set(mustParse(t, "http://example.com/"), Record{Path: "path/to/data"})
	require.NoError(t, err)

	// Abort the transaction underneath the handle so the commit fails.
	require.NoError(t, tx.tx.Rollback())

	// Commit must surface the failure, not report success; the rollback it
	// attempts on the way out must not mask it.
	err = tx.Commit()
	require.ErrorIs(t, err, sql.ErrTxDone)

	// The failed write never became visible.
	_, err = s.Lookup(mustParse(t, "http://example.com/"))
	require.ErrorIs(t, err, ErrNotFound)

	// Close after a failed commit is a no-op, not a second rollback.
	tx.Close()
}

func TestOverwrite(t *testing.T) {
	s := openMemoryStore(t)

	one := Record{Path: "path/to/data/one", ETag: "one"}
	two := Record{Path: "path/to/data/two", ETag: "two"}

	set(t, s, "http://example.com/", one)
	got, err := s.Lookup(mustParse(t, "http://example.com/"))
	require.NoError(t, err)
	require.Equal(t, one, got)

	set(t, s, "http://example.com/", two)
	got, err = s.Lookup(mustParse(t, "http://example.com/"))
	require.NoError(t, err)
	require.Equal(t, two, got)
}

func TestStorePathsCompareEqual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, s1.Path(), s2.Path())
}

func TestStorePathsCompareUnequal(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(filepath.Join(dir, "cache-1.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(filepath.Join(dir, "cache-2.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	require.NotEqual(t, s1.Path(), s2.Path())
}
