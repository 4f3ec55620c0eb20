// Package staticcache is a local, persistent cache for static HTTP
// resources.
//
// URLs fetched through a Cache for the first time are downloaded and stored
// under the cache root; later fetches revalidate the stored copy against the
// origin with conditional requests (If-Modified-Since, If-None-Match) and
// serve it straight from disk when the origin says nothing has changed, or
// when the origin cannot be reached at all.
package staticcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/staticcache/internal/db"
)

const (
	metadataFile  = "cache.db"
	contentSubdir = "content"
)

// Cache resolves URLs to local files backed by a cache root directory. A
// root owns one metadata store (cache.db) and a content/ directory of body
// files; deleting the whole root is always safe, everything in it is
// derived state.
type Cache struct {
	root   string
	db     *db.Store
	client Client
	log    zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for warnings and debug output. The
// default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.log = logger }
}

// New returns a Cache that sends requests through client and keeps its data
// under root. The root directory is created if it does not exist; if it
// does, previously cached data is available. The client should almost
// certainly be an *http.Client.
func New(root string, client Client, opts ...Option) (*Cache, error) {
	c := &Cache{root: root, client: client, log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}

	store, err := db.Open(filepath.Join(root, metadataFile), c.log)
	if err != nil {
		return nil, err
	}
	c.db = store

	return c, nil
}

// Close releases the metadata store. Cached files remain on disk.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get resolves rawURL to an open file containing the response body. The URL
// fragment, if any, is ignored.
//
// On a cache miss the resource is downloaded, recorded, and returned; an
// HTTP error status or transport failure is fatal because there is nothing
// to fall back to. On a hit the stored copy is revalidated against the
// origin first, but a failure to revalidate (origin unreachable, origin
// erroring) falls back to the stored copy rather than propagating.
func (c *Cache) Get(ctx context.Context, rawURL string) (*os.File, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	u.Fragment = ""
	u.RawFragment = ""

	var resp *http.Response

	rec, err := c.db.Lookup(u)
	switch {
	case err == nil:
		resp = c.revalidate(ctx, u, rec)
		if resp == nil {
			return c.openStored(rec)
		}
	case errors.Is(err, db.ErrNotFound), isCorruptRecord(err):
		resp, err = c.fetch(ctx, u, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	defer resp.Body.Close()

	return c.store(u, resp)
}

// revalidate asks the origin whether rec is still current, attaching
// whichever validators the record has. It returns the response to cache
// when the origin sent fresh content, or nil when the stored copy should be
// served instead: a 304, an HTTP error status, or a transport failure are
// all reasons to keep using a still-present local copy.
func (c *Cache) revalidate(ctx context.Context, u *url.URL, rec db.Record) *http.Response {
	conditional := http.Header{}
	if rec.LastModified != "" {
		conditional.Set("If-Modified-Since", rec.LastModified)
	}
	if rec.ETag != "" {
		conditional.Set("If-None-Match", rec.ETag)
	}

	resp, err := c.fetch(ctx, u, conditional)
	if err != nil {
		c.log.Warn().Err(err).Str("url", u.String()).
			Msg("could not revalidate cached response, using stored copy")
		return nil
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil
	}
	return resp
}

// fetch issues a GET for u with the extra headers attached and fails on
// transport errors and HTTP error statuses alike.
func (c *Cache) fetch(ctx context.Context, u *url.URL, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for name, values := range extra {
		req.Header[name] = values
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := errorForStatus(resp, u.String()); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// store streams resp's body into a fresh content file and commits a
// metadata record pointing at it. The body is fully on disk before the
// record commits: an interruption can orphan a file, but it can never
// publish metadata for a partial one.
func (c *Cache) store(u *url.URL, resp *http.Response) (*os.File, error) {
	f, path, err := createRandomFile(filepath.Join(c.root, contentSubdir))
	if err != nil {
		return nil, fmt.Errorf("creating content file: %w", err)
	}

	rel, err := filepath.Rel(c.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		f.Close()
		return nil, fmt.Errorf("content file %s escapes cache root %s", path, c.root)
	}

	tx, err := c.db.Set(u, db.Record{
		Path:         filepath.ToSlash(rel),
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("Etag"),
		Expires:      resp.Header.Get("Expires"),
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	defer tx.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("writing response body: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing content file: %w", err)
	}
	c.log.Debug().Int64("bytes", n).Str("url", u.String()).Msg("downloaded response body")

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return os.Open(path)
}

// openStored opens the previously cached body for rec. A record whose file
// has gone missing is an on-disk inconsistency this layer does not repair.
func (c *Cache) openStored(rec db.Record) (*os.File, error) {
	f, err := os.Open(filepath.Join(c.root, filepath.FromSlash(rec.Path)))
	if err != nil {
		return nil, fmt.Errorf("opening cached content: %w", err)
	}
	return f, nil
}

func isCorruptRecord(err error) bool {
	var corrupt *db.CorruptRecordError
	return errors.As(err, &corrupt)
}
