// Package router maps a request path to one of the proxy's fixed
// destinations using exact and prefix matches in a fixed priority order.
package router

import "strings"

type Destination int

const (
	UpstreamProxy Destination = iota
	HealthProxy
	MetricsEndpoint
	ErrorPage
)

func (d Destination) String() string {
	switch d {
	case UpstreamProxy:
		return "upstream"
	case HealthProxy:
		return "health"
	case MetricsEndpoint:
		return "metrics"
	case ErrorPage:
		return "error_page"
	default:
		return "unknown"
	}
}

type Config struct {
	MetricsEnabled bool
	MetricsPath    string
	HealthPath     string
	ErrorPagePath  string
}

type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	return &Router{cfg: cfg}
}

// Route checks, in order: metrics (exact, when enabled), health (exact or
// below it), the error page (exact), then falls through to the upstream.
func (r *Router) Route(path string) Destination {
	if r.cfg.MetricsEnabled && path == r.cfg.MetricsPath {
		return MetricsEndpoint
	}

	if path == r.cfg.HealthPath || strings.HasPrefix(path, r.cfg.HealthPath+"/") {
		return HealthProxy
	}

	if r.cfg.ErrorPagePath != "" && path == r.cfg.ErrorPagePath {
		return ErrorPage
	}

	return UpstreamProxy
}
