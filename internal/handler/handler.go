package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/angeloszaimis/edge-proxy/internal/errorpage"
	"github.com/angeloszaimis/edge-proxy/internal/metrics"
	"github.com/angeloszaimis/edge-proxy/internal/router"
)

// Config wires the handler to its collaborators. Router, Pool and Pages are
// required; the loggers default to discarding and Metrics may be nil.
type Config struct {
	Router  *router.Router
	Pool    Balancer
	Pages   *errorpage.Pages
	Metrics *metrics.Metrics

	Logger    *slog.Logger
	AccessLog *slog.Logger
	ErrorLog  *slog.Logger

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	NextUpstreamTries int

	// Middleware wraps the proxied routes only. Metrics and the error page
	// are served without it.
	Middleware func(http.Handler) http.Handler

	// Transport replaces the shared upstream transport built from the
	// timeouts.
	Transport http.RoundTripper
}

type Handler struct {
	router    *router.Router
	pool      Balancer
	pages     *errorpage.Pages
	metrics   *metrics.Metrics
	log       *slog.Logger
	accessLog *slog.Logger
	errorLog  *slog.Logger
	tries     int

	proxy          *httputil.ReverseProxy
	upstream       http.Handler
	metricsHandler http.Handler
}

func New(cfg Config) *Handler {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Handler{
		router:    cfg.Router,
		pool:      cfg.Pool,
		pages:     cfg.Pages,
		metrics:   cfg.Metrics,
		log:       orDefault(cfg.Logger, discard),
		accessLog: orDefault(cfg.AccessLog, discard),
		errorLog:  orDefault(cfg.ErrorLog, discard),
		tries:     cfg.NextUpstreamTries,
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg.ConnectTimeout, cfg.ReadTimeout)
	}
	h.proxy = h.newReverseProxy(transport)

	h.upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}
		h.forward(rec, r)
	})
	if cfg.Middleware != nil {
		h.upstream = cfg.Middleware(h.upstream)
	}

	if h.metrics != nil {
		h.metricsHandler = h.metrics.Handler()
	}

	return h
}

func orDefault(l, def *slog.Logger) *slog.Logger {
	if l == nil {
		return def
	}
	return l
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	route := router.UpstreamProxy

	// Deferred so a response aborted mid-stream is still counted and logged.
	defer func() {
		h.finish(rec, r, route, time.Since(start))
	}()

	// Absolute-form targets without a path mean the root.
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	if !strings.HasPrefix(path, "/") {
		h.errorLog.Warn("Malformed request target",
			slog.String("client", clientIP(r)),
			slog.String("method", r.Method),
			slog.String("target", r.RequestURI))
		http.Error(rec, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	route = h.router.Route(path)

	switch route {
	case router.MetricsEndpoint:
		if h.metricsHandler == nil {
			http.NotFound(rec, r)
			return
		}
		h.metricsHandler.ServeHTTP(rec, r)
	case router.ErrorPage:
		h.pages.ServeHTTP(rec, r)
	default:
		h.upstream.ServeHTTP(rec, r)
	}
}

func (h *Handler) finish(rec *statusRecorder, r *http.Request, route router.Destination, d time.Duration) {
	status := rec.Status()

	if h.metrics != nil {
		h.metrics.RecordRequest(status)
	}

	h.accessLog.Info("request",
		slog.String("remote_addr", clientIP(r)),
		slog.String("method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.Int("status", status),
		slog.Int64("bytes_sent", rec.bytes),
		slog.Float64("request_time", d.Seconds()),
		slog.String("route", route.String()),
		slog.String("upstream", rec.upstream),
		slog.String("referer", r.Referer()),
		slog.String("user_agent", r.UserAgent()))
}
