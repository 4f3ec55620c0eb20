// Command cacheserve exposes a staticcache over HTTP: GET /fetch?url=...
// returns the (possibly cached) body of the named resource. Useful for
// sharing one cache directory between tools that only speak HTTP.
package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/staticcache"
)

type config struct {
	Addr     string        `env:"CACHESERVE_ADDR" envDefault:":8080"`
	CacheDir string        `env:"CACHESERVE_DIR" envDefault:"cacheserve-data"`
	LogLevel string        `env:"CACHESERVE_LOG_LEVEL" envDefault:"info"`
	Timeout  time.Duration `env:"CACHESERVE_TIMEOUT" envDefault:"30s"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid CACHESERVE_LOG_LEVEL")
	}
	logger = logger.Level(level)

	cache, err := staticcache.New(cfg.CacheDir,
		&http.Client{Timeout: cfg.Timeout},
		staticcache.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("opening cache")
	}
	defer cache.Close()

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Get("/fetch", handleFetch(cache))

	logger.Info().Str("addr", cfg.Addr).Str("cache_dir", cfg.CacheDir).Msg("listening")
	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	logger.Fatal().Err(srv.ListenAndServe()).Msg("server stopped")
}

// requestID tags every request's logger with a fresh ID and echoes it back
// to the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		logger := hlog.FromRequest(r).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func handleFetch(cache *staticcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		f, err := cache.Get(r.Context(), target)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("target", target).Msg("fetch failed")
			var statusErr *staticcache.StatusError
			if errors.As(err, &statusErr) {
				http.Error(w, statusErr.Status, http.StatusBadGateway)
				return
			}
			http.Error(w, "could not fetch resource", http.StatusBadGateway)
			return
		}
		defer f.Close()

		if _, err := io.Copy(w, f); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("writing response")
		}
	}
}
