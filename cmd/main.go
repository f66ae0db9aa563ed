package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/angeloszaimis/edge-proxy/config"
	"github.com/angeloszaimis/edge-proxy/internal/backend"
	"github.com/angeloszaimis/edge-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/edge-proxy/internal/errorpage"
	"github.com/angeloszaimis/edge-proxy/internal/healthcheck"
	"github.com/angeloszaimis/edge-proxy/internal/httpserver"
	"github.com/angeloszaimis/edge-proxy/internal/loadbalancer"
	"github.com/angeloszaimis/edge-proxy/internal/metrics"
	"github.com/angeloszaimis/edge-proxy/pkg/logger"
)

type CLI struct {
	Config string `short:"c" type:"path" env:"EDGE_PROXY_CONFIG" help:"Path to the YAML configuration file."`
	Check  bool   `help:"Validate the configuration and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("edge-proxy"),
		kong.Description("Static round-robin reverse proxy."),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	if cli.Check {
		fmt.Println("configuration ok")
		return
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	accessOut, err := logger.Open(cfg.Logging.AccessLog)
	if err != nil {
		log.Error("Failed to open access log", slog.Any("err", err))
		os.Exit(1)
	}
	defer accessOut.Close()

	errorOut, err := logger.Open(cfg.Logging.ErrorLog)
	if err != nil {
		log.Error("Failed to open error log", slog.Any("err", err))
		os.Exit(1)
	}
	defer errorOut.Close()

	if err := run(cfg, cli.Config, log, accessOut, errorOut); err != nil {
		log.Error("Proxy stopped with error", slog.Any("err", err))
		accessOut.Close()
		errorOut.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, log *slog.Logger, accessOut, errorOut io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := newBreakerRegistry(cfg.Upstream)

	backends, err := initializeBackends(cfg.Upstream, registry, nil)
	if err != nil {
		return fmt.Errorf("initialize backends: %w", err)
	}

	pool, err := loadbalancer.NewPool(backends)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	pages, err := errorpage.Load(cfg.ErrorPages.File)
	if err != nil {
		return err
	}

	m := metrics.New(pool)
	errorLog := logger.NewErrorLogger(errorOut)

	h := setupHandler(cfg, pool, m, pages, log, logger.NewAccessLogger(accessOut), errorLog)

	if cfg.HealthCheck.Enabled {
		checker := healthcheck.New(pool,
			cfg.HealthCheck.Path,
			config.Duration(cfg.HealthCheck.Interval),
			config.Duration(cfg.HealthCheck.Timeout),
			log)
		go checker.Run(ctx)
	}

	if cfg.Server.HotReload {
		err := config.Watch(configPath, log, func(next *config.Config) {
			if err := reloadUpstreams(pool, registry, next.Upstream, log); err != nil {
				log.Error("Ignoring upstream reload", slog.Any("err", err))
			}
		})
		if err != nil {
			log.Warn("Hot reload disabled", slog.Any("err", err))
		}
	}

	srv, err := httpserver.New(cfg.Server.Address, h, httpserver.Options{
		MaxConnections:  cfg.Server.MaxConnections,
		ReadTimeout:     config.Duration(cfg.Server.ReadTimeout),
		WriteTimeout:    config.Duration(cfg.Server.WriteTimeout),
		IdleTimeout:     config.Duration(cfg.Server.IdleTimeout),
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout),
		ConnState:       m.ConnState,
		ErrorLog:        errorLog,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}

	log.Info("Proxy listening",
		slog.String("address", srv.Addr()),
		slog.Int("backends", pool.Len()),
		slog.Int("max_connections", cfg.Server.MaxConnections))

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			return err
		}
	}

	return nil
}

// newBreakerRegistry returns nil when passive failure tracking is off.
func newBreakerRegistry(upstream config.UpstreamConfig) *circuitbreaker.Registry {
	if upstream.MaxFails <= 0 {
		return nil
	}
	return circuitbreaker.NewRegistry(upstream.MaxFails, config.Duration(upstream.FailTimeout))
}

// initializeBackends builds the pool members in configuration order.
// Backends found in existing by address are reused so their alive flag and
// counters carry over a reload.
func initializeBackends(upstream config.UpstreamConfig, registry *circuitbreaker.Registry, existing map[string]*backend.Backend) ([]*backend.Backend, error) {
	backends := make([]*backend.Backend, 0, len(upstream.Backends))

	for _, bc := range upstream.Backends {
		address := bc.HostPort()

		if b, ok := existing[address]; ok {
			backends = append(backends, b)
			continue
		}

		var breaker *circuitbreaker.CircuitBreaker
		if registry != nil {
			breaker = registry.GetBreaker(address)
		}

		backends = append(backends, backend.New(&url.URL{Scheme: "http", Host: address}, breaker))
	}

	if len(backends) == 0 {
		return nil, loadbalancer.ErrNoBackends
	}

	return backends, nil
}

// reloadUpstreams swaps the pool for the upstream section of a changed
// config file.
func reloadUpstreams(pool *loadbalancer.Pool, registry *circuitbreaker.Registry, upstream config.UpstreamConfig, log *slog.Logger) error {
	if err := upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream section: %w", err)
	}

	existing := make(map[string]*backend.Backend)
	for _, b := range pool.Backends() {
		existing[b.Address()] = b
	}

	backends, err := initializeBackends(upstream, registry, existing)
	if err != nil {
		return err
	}

	if err := pool.Replace(backends); err != nil {
		return err
	}

	addresses := make([]string, 0, len(backends))
	for _, b := range backends {
		addresses = append(addresses, b.Address())
	}

	if registry != nil {
		registry.Retain(addresses)
		for address, state := range registry.Stats() {
			log.Debug("Failure tracking state",
				slog.String("server", address),
				slog.String("state", state.String()))
		}
	}

	log.Info("Upstream pool reloaded", slog.Any("backends", addresses))

	return nil
}
