package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
)

// Pool is the source of backends to probe. It is read on every round so
// backends added by a reload are picked up.
type Pool interface {
	Backends() []*backend.Backend
}

// DefaultInterval replaces a non-positive interval, which time.NewTicker
// rejects.
const DefaultInterval = 5 * time.Second

type Checker struct {
	pool     Pool
	path     string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func New(pool Pool, path string, interval, timeout time.Duration, logger *slog.Logger) *Checker {
	if path == "" {
		path = "/health"
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		pool:     pool,
		path:     path,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Run probes every backend once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check stopped")
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes the current backends concurrently and waits for all of
// them.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range c.pool.Backends() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.check(ctx, b)
		}()
	}
	wg.Wait()
}

func (c *Checker) check(ctx context.Context, b *backend.Backend) {
	healthy := c.probe(ctx, b)
	if ctx.Err() != nil {
		return
	}

	if !b.SetAlive(healthy) {
		return
	}

	if healthy {
		c.logger.Info("Server is back up", slog.String("server", b.Address()))
	} else {
		c.logger.Warn("Server is down", slog.String("server", b.Address()))
	}
}

func (c *Checker) probe(ctx context.Context, b *backend.Backend) bool {
	healthURL := b.URL().ResolveReference(&url.URL{Path: c.path})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return false
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Health probe failed",
			slog.String("server", b.Address()),
			slog.Any("err", err))
		return false
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	return res.StatusCode == http.StatusOK
}
