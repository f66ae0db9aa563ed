package main

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/edge-proxy/config"
	"github.com/angeloszaimis/edge-proxy/internal/errorpage"
	"github.com/angeloszaimis/edge-proxy/internal/handler"
	"github.com/angeloszaimis/edge-proxy/internal/metrics"
	"github.com/angeloszaimis/edge-proxy/internal/middleware"
	"github.com/angeloszaimis/edge-proxy/internal/router"
)

func setupHandler(
	cfg *config.Config,
	pool handler.Balancer,
	m *metrics.Metrics,
	pages *errorpage.Pages,
	log, accessLog, errorLog *slog.Logger,
) http.Handler {
	r := router.New(router.Config{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		ErrorPagePath:  cfg.ErrorPages.Path,
	})

	var mw func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		mw = middleware.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, pages, errorLog)
	}

	return handler.New(handler.Config{
		Router:            r,
		Pool:              pool,
		Pages:             pages,
		Metrics:           m,
		Logger:            log,
		AccessLog:         accessLog,
		ErrorLog:          errorLog,
		ConnectTimeout:    config.Duration(cfg.Proxy.ConnectTimeout),
		ReadTimeout:       config.Duration(cfg.Proxy.ReadTimeout),
		NextUpstreamTries: cfg.Proxy.NextUpstreamTries,
		Middleware:        mw,
	})
}
