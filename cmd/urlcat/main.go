// Command urlcat downloads a URL through a persistent local cache and
// writes the body to stdout. Repeated runs against the same cache directory
// revalidate instead of re-downloading.
//
//	urlcat <cache-dir> <url>
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/staticcache"
)

type config struct {
	LogLevel string        `env:"URLCAT_LOG_LEVEL" envDefault:"warn"`
	Timeout  time.Duration `env:"URLCAT_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "could not download URL: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: urlcat <cache-dir> <url>")
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid URLCAT_LOG_LEVEL: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cache, err := staticcache.New(args[0],
		&http.Client{Timeout: cfg.Timeout},
		staticcache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cache.Close()

	f, err := cache.Get(context.Background(), args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}
