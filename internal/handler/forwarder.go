package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"syscall"
	"time"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
	"github.com/angeloszaimis/edge-proxy/internal/loadbalancer"
)

// StatusClientClosedRequest is recorded when the client disconnects before
// the upstream answered. Nothing is sent for it.
const StatusClientClosedRequest = 499

// Balancer hands out backends in round-robin order.
type Balancer interface {
	Next() (*backend.Backend, error)
	Len() int
}

type attemptKey struct{}

// attempt is one try against one backend. The reverse proxy callbacks find
// it through the request context.
type attempt struct {
	backend *backend.Backend
	start   time.Time
	err     error
}

func attemptFrom(ctx context.Context) *attempt {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	return a
}

func newTransport(connectTimeout, readTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func (h *Handler) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			a := attemptFrom(pr.In.Context())
			pr.SetURL(a.backend.URL())
			pr.Out.Host = pr.In.Host
			setForwardHeaders(pr.Out, pr.In)
		},
		ModifyResponse: func(res *http.Response) error {
			a := attemptFrom(res.Request.Context())
			a.backend.RecordSuccess()
			if h.metrics != nil {
				h.metrics.ObserveUpstream(a.backend.Address(), res.StatusCode, time.Since(a.start))
			}
			return nil
		},
		// Only called before anything reached the client, so the error is
		// parked on the attempt and the caller decides between a retry and
		// the error page.
		ErrorHandler: func(_ http.ResponseWriter, r *http.Request, err error) {
			attemptFrom(r.Context()).err = err
		},
		ErrorLog: slog.NewLogLogger(h.errorLog.Handler(), slog.LevelWarn),
	}
}

// forward sends r to the pool, trying further backends when allowed, and
// renders the error page if every try failed.
func (h *Handler) forward(rec *statusRecorder, r *http.Request) {
	tries := h.tries
	if n := h.pool.Len(); tries > n {
		tries = n
	}
	if tries < 1 {
		tries = 1
	}

	var last *attempt
	for i := 0; i < tries; i++ {
		b, err := h.pool.Next()
		if err != nil {
			if last == nil {
				h.noBackends(rec, r, err)
				return
			}
			break
		}

		a := h.try(rec, r, b)
		if a.err == nil {
			return
		}
		last = a

		if r.Context().Err() != nil || !retryable(r) {
			break
		}
		if i+1 < tries {
			h.errorLog.Warn("Retrying request on next upstream",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("upstream", b.Address()),
				slog.Any("err", a.err))
		}
	}

	h.upstreamFailed(rec, r, last)
}

func (h *Handler) try(rec *statusRecorder, r *http.Request, b *backend.Backend) *attempt {
	a := &attempt{backend: b, start: time.Now()}
	rec.upstream = b.Address()

	b.IncrementConn()
	defer b.DecrementConn()

	ctx := context.WithValue(r.Context(), attemptKey{}, a)
	h.proxy.ServeHTTP(rec, r.WithContext(ctx))

	switch {
	case a.err == nil:
	case r.Context().Err() != nil:
		b.Release()
	default:
		b.RecordFailure()
	}

	return a
}

func (h *Handler) noBackends(rec *statusRecorder, r *http.Request, err error) {
	h.errorLog.Error("No live upstreams",
		slog.String("client", clientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("err", err))

	if h.metrics != nil {
		h.metrics.RecordUpstreamError("", "no_backends")
	}
	h.pages.Render(rec, http.StatusServiceUnavailable)
}

func (h *Handler) upstreamFailed(rec *statusRecorder, r *http.Request, a *attempt) {
	status, kind := classify(r.Context(), a.err)
	if h.metrics != nil {
		h.metrics.RecordUpstreamError(a.backend.Address(), kind)
	}

	if status == StatusClientClosedRequest {
		h.log.Debug("Client closed connection before upstream response",
			slog.String("client", clientIP(r)),
			slog.String("path", r.URL.Path),
			slog.String("upstream", a.backend.Address()))
		rec.setStatus(status)
		return
	}

	h.errorLog.Error("Upstream request failed",
		slog.String("client", clientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("upstream", a.backend.Address()),
		slog.String("kind", kind),
		slog.Int("status", status),
		slog.Any("err", a.err))

	h.pages.Render(rec, status)
}

// classify maps a forwarding error to the status sent to the client and a
// short kind used in metrics.
func classify(ctx context.Context, err error) (int, string) {
	var (
		netErr net.Error
		dnsErr *net.DNSError
	)

	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "client_closed"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusBadGateway, "refused"
	case errors.Is(err, syscall.ECONNRESET):
		return http.StatusBadGateway, "reset"
	case errors.As(err, &dnsErr):
		return http.StatusBadGateway, "dns"
	case errors.Is(err, loadbalancer.ErrNoBackends):
		return http.StatusServiceUnavailable, "no_backends"
	default:
		return http.StatusBadGateway, "other"
	}
}

// retryable reports whether a failed request may be sent to another
// backend: idempotent methods without a body only.
func retryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodTrace, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return r.ContentLength == 0 && (r.Body == nil || r.Body == http.NoBody)
}
