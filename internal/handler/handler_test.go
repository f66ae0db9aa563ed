package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
	"github.com/angeloszaimis/edge-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/edge-proxy/internal/errorpage"
	"github.com/angeloszaimis/edge-proxy/internal/handler"
	"github.com/angeloszaimis/edge-proxy/internal/loadbalancer"
	"github.com/angeloszaimis/edge-proxy/internal/metrics"
	"github.com/angeloszaimis/edge-proxy/internal/router"
)

// identityServer answers every path with its name and counts hits.
func identityServer(name string, hits *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Write([]byte(name))
	}))
}

// refusedURL returns the address of a server that is no longer listening.
func refusedURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func newBackends(urls ...string) []*backend.Backend {
	backends := make([]*backend.Backend, 0, len(urls))
	for _, u := range urls {
		backends = append(backends, backend.New(mustParseURL(u), nil))
	}
	return backends
}

var _ = Describe("Handler", func() {
	var (
		pages     *errorpage.Pages
		m         *metrics.Metrics
		pool      *loadbalancer.Pool
		accessBuf *bytes.Buffer
		errorBuf  *bytes.Buffer
		cfg       handler.Config
	)

	build := func(backends []*backend.Backend) *handler.Handler {
		var err error
		pool, err = loadbalancer.NewPool(backends)
		Expect(err).NotTo(HaveOccurred())

		m = metrics.New(pool)
		cfg.Pool = pool
		cfg.Metrics = m
		return handler.New(cfg)
	}

	get := func(h http.Handler, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		var err error
		pages, err = errorpage.Load("")
		Expect(err).NotTo(HaveOccurred())

		accessBuf = &bytes.Buffer{}
		errorBuf = &bytes.Buffer{}

		cfg = handler.Config{
			Router: router.New(router.Config{
				MetricsEnabled: true,
				MetricsPath:    "/metrics",
				HealthPath:     "/health",
				ErrorPagePath:  "/50x.html",
			}),
			Pages:             pages,
			AccessLog:         slog.New(slog.NewJSONHandler(accessBuf, nil)),
			ErrorLog:          slog.New(slog.NewJSONHandler(errorBuf, nil)),
			ConnectTimeout:    time.Second,
			ReadTimeout:       2 * time.Second,
			NextUpstreamTries: 1,
		}
	})

	Describe("round-robin forwarding", func() {
		var servers []*httptest.Server

		BeforeEach(func() {
			servers = []*httptest.Server{
				identityServer("app1", nil),
				identityServer("app2", nil),
				identityServer("app3", nil),
			}
		})

		AfterEach(func() {
			for _, srv := range servers {
				srv.Close()
			}
		})

		It("should see each identity exactly once over three requests", func() {
			h := build(newBackends(servers[0].URL, servers[1].URL, servers[2].URL))

			seen := map[string]int{}
			for i := 0; i < 3; i++ {
				rec := get(h, "/")
				Expect(rec.Code).To(Equal(http.StatusOK))
				seen[rec.Body.String()]++
			}

			Expect(seen).To(Equal(map[string]int{"app1": 1, "app2": 1, "app3": 1}))
		})

		It("should select a backend once per request under concurrency", func() {
			h := build(newBackends(servers[0].URL, servers[1].URL, servers[2].URL))

			var (
				wg sync.WaitGroup
				ok atomic.Int64
			)
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if get(h, "/").Code == http.StatusOK {
						ok.Add(1)
					}
				}()
			}
			wg.Wait()

			var total uint64
			for _, b := range pool.Backends() {
				total += b.Selections()
				Expect(b.ActiveConnections()).To(BeZero())
			}
			Expect(total).To(Equal(uint64(100)))
			Expect(ok.Load()).To(Equal(int64(100)))
			Expect(m.Snapshot().Requests).To(Equal(uint64(100)))
			Expect(m.Snapshot().StatusClasses["2xx"]).To(Equal(uint64(100)))
		})

		It("should write one access log line per request", func() {
			h := build(newBackends(servers[0].URL))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/hello?x=1", nil)
			req.RemoteAddr = "203.0.113.7:40000"
			req.Header.Set("User-Agent", "curl/8.0")
			h.ServeHTTP(rec, req)

			var line map[string]any
			Expect(json.Unmarshal(accessBuf.Bytes(), &line)).To(Succeed())
			Expect(line).To(HaveKeyWithValue("remote_addr", "203.0.113.7"))
			Expect(line).To(HaveKeyWithValue("uri", "/hello?x=1"))
			Expect(line).To(HaveKeyWithValue("status", BeNumerically("==", 200)))
			Expect(line).To(HaveKeyWithValue("bytes_sent", BeNumerically("==", 4)))
			Expect(line).To(HaveKeyWithValue("route", "upstream"))
			Expect(line).To(HaveKeyWithValue("upstream", mustParseURL(servers[0].URL).Host))
			Expect(line).To(HaveKeyWithValue("user_agent", "curl/8.0"))
			Expect(errorBuf.Len()).To(BeZero())
		})
	})

	Describe("forwarding headers", func() {
		It("should set the forwarding headers and keep Host and Authorization", func() {
			received := make(chan *http.Request, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				received <- r
			}))
			defer srv.Close()

			h := build(newBackends(srv.URL))

			req := httptest.NewRequest(http.MethodGet, "http://example.com/api/items?page=2", nil)
			req.RemoteAddr = "203.0.113.7:40000"
			req.Header.Set("X-Forwarded-For", "198.51.100.1")
			req.Header.Set("Authorization", "Bearer token")
			h.ServeHTTP(httptest.NewRecorder(), req)

			var got *http.Request
			Eventually(received).Should(Receive(&got))
			Expect(got.Host).To(Equal("example.com"))
			Expect(got.URL.Path).To(Equal("/api/items"))
			Expect(got.URL.RawQuery).To(Equal("page=2"))
			Expect(got.Header.Get("X-Real-IP")).To(Equal("203.0.113.7"))
			Expect(got.Header.Get("X-Forwarded-For")).To(Equal("198.51.100.1, 203.0.113.7"))
			Expect(got.Header.Get("X-Forwarded-Proto")).To(Equal("http"))
			Expect(got.Header.Get("Authorization")).To(Equal("Bearer token"))
		})

		It("should start X-Forwarded-For with the client IP when none was sent", func() {
			received := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				received <- r.Header.Get("X-Forwarded-For")
			}))
			defer srv.Close()

			h := build(newBackends(srv.URL))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.7:40000"
			h.ServeHTTP(httptest.NewRecorder(), req)

			Eventually(received).Should(Receive(Equal("203.0.113.7")))
		})
	})

	Describe("health route", func() {
		It("should forward /health and return the backend status unchanged", func() {
			var path atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path.Store(r.URL.Path)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"draining"}`))
			}))
			defer srv.Close()

			h := build(newBackends(srv.URL))
			rec := get(h, "/health")

			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(Equal(`{"status":"draining"}`))
			Expect(path.Load()).To(Equal("/health"))
		})
	})

	Describe("metrics route", func() {
		It("should never reach the upstream pool", func() {
			var hits atomic.Int64
			srv := identityServer("app1", &hits)
			defer srv.Close()

			h := build(newBackends(srv.URL))
			get(h, "/")
			rec := get(h, "/metrics")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("edge_proxy_requests_total 1"))
			Expect(hits.Load()).To(Equal(int64(1)))
			Expect(pool.Backends()[0].Selections()).To(Equal(uint64(1)))
		})

		It("should be proxied when metrics are disabled", func() {
			var hits atomic.Int64
			srv := identityServer("app1", &hits)
			defer srv.Close()

			cfg.Router = router.New(router.Config{MetricsEnabled: false, MetricsPath: "/metrics"})
			h := build(newBackends(srv.URL))

			Expect(get(h, "/metrics").Body.String()).To(Equal("app1"))
			Expect(hits.Load()).To(Equal(int64(1)))
		})
	})

	Describe("error page route", func() {
		It("should serve the error document with 200", func() {
			h := build(newBackends(refusedURL()))
			rec := get(h, "/50x.html")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.Bytes()).To(Equal(pages.Body(http.StatusInternalServerError)))
			Expect(pool.Backends()[0].Selections()).To(BeZero())
		})
	})

	Describe("upstream failures", func() {
		It("should return 502 and the error page when every backend refuses", func() {
			h := build(newBackends(refusedURL(), refusedURL(), refusedURL()))

			for i := 0; i < 6; i++ {
				rec := get(h, "/")
				Expect(rec.Code).To(Equal(http.StatusBadGateway))
				Expect(rec.Body.Bytes()).To(Equal(pages.Body(http.StatusBadGateway)))
				Expect(rec.Header().Get("Content-Type")).To(Equal("text/html; charset=utf-8"))
			}

			Expect(m.Snapshot().StatusClasses["5xx"]).To(Equal(uint64(6)))
			Expect(strings.Count(errorBuf.String(), "Upstream request failed")).To(Equal(6))
			Expect(errorBuf.String()).To(ContainSubstring(`"kind":"refused"`))
		})

		It("should return 504 when the upstream does not answer in time", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			}))
			defer srv.Close()

			cfg.ReadTimeout = 50 * time.Millisecond
			h := build(newBackends(srv.URL))
			rec := get(h, "/")

			Expect(rec.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(rec.Body.Bytes()).To(Equal(pages.Body(http.StatusGatewayTimeout)))
			Expect(errorBuf.String()).To(ContainSubstring(`"kind":"timeout"`))
		})

		It("should return 503 when no backend is available", func() {
			srv := identityServer("app1", nil)
			defer srv.Close()

			h := build(newBackends(srv.URL))
			pool.Backends()[0].SetAlive(false)

			rec := get(h, "/")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.Bytes()).To(Equal(pages.Body(http.StatusServiceUnavailable)))
			Expect(errorBuf.String()).To(ContainSubstring("No live upstreams"))
		})
	})

	Describe("absolute-form targets", func() {
		It("should treat a missing path as the root", func() {
			paths := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				paths <- r.URL.Path
			}))
			defer srv.Close()

			h := build(newBackends(srv.URL))
			rec := get(h, "http://example.com")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Eventually(paths).Should(Receive(Equal("/")))
		})
	})

	Describe("malformed requests", func() {
		It("should reject a target that is not a path", func() {
			h := build(newBackends(refusedURL()))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "*", nil))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(pool.Backends()[0].Selections()).To(BeZero())
			Expect(m.Snapshot().StatusClasses["4xx"]).To(Equal(uint64(1)))
		})
	})

	Describe("retries", func() {
		var live *httptest.Server

		BeforeEach(func() {
			live = identityServer("live", nil)
			cfg.NextUpstreamTries = 2
		})

		AfterEach(func() {
			live.Close()
		})

		It("should try the next backend for an idempotent request", func() {
			h := build(newBackends(refusedURL(), live.URL))

			rec := get(h, "/")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("live"))
			Expect(errorBuf.String()).To(ContainSubstring("Retrying request on next upstream"))
		})

		It("should not retry a request with a body", func() {
			h := build(newBackends(refusedURL(), live.URL))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload")))
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})

		It("should count the failure against the refused backend only", func() {
			dead := backend.New(mustParseURL(refusedURL()), circuitbreaker.NewCircuitBreaker(1, time.Minute))
			alive := backend.New(mustParseURL(live.URL), circuitbreaker.NewCircuitBreaker(1, time.Minute))
			h := build([]*backend.Backend{dead, alive})

			Expect(get(h, "/").Code).To(Equal(http.StatusOK))
			Expect(dead.BreakerState()).To(Equal(circuitbreaker.StateOpen))
			Expect(alive.BreakerState()).To(Equal(circuitbreaker.StateClosed))

			for i := 0; i < 3; i++ {
				Expect(get(h, "/").Body.String()).To(Equal("live"))
			}
			Expect(dead.Selections()).To(Equal(uint64(1)))
			Expect(alive.Selections()).To(Equal(uint64(4)))
			Expect(strings.Count(errorBuf.String(), "Retrying request on next upstream")).To(Equal(1))
		})

		It("should not retry by default", func() {
			cfg.NextUpstreamTries = 1
			h := build(newBackends(refusedURL(), live.URL))

			Expect(get(h, "/").Code).To(Equal(http.StatusBadGateway))
			Expect(get(h, "/").Code).To(Equal(http.StatusOK))
		})
	})

	Describe("middleware", func() {
		It("should wrap proxied routes only", func() {
			srv := identityServer("app1", nil)
			defer srv.Close()

			cfg.Middleware = func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("X-Wrapped", "yes")
					next.ServeHTTP(w, r)
				})
			}
			h := build(newBackends(srv.URL))

			Expect(get(h, "/").Header().Get("X-Wrapped")).To(Equal("yes"))
			Expect(get(h, "/metrics").Header().Get("X-Wrapped")).To(BeEmpty())
		})
	})

	Describe("client disconnect", func() {
		It("should cancel the upstream request", func() {
			started := make(chan struct{})
			cancelled := make(chan struct{})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				close(started)
				select {
				case <-r.Context().Done():
					close(cancelled)
				case <-time.After(5 * time.Second):
				}
			}))
			defer srv.Close()

			h := build(newBackends(srv.URL))
			proxy := httptest.NewServer(h)
			defer proxy.Close()

			ctx, cancel := context.WithCancel(context.Background())
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxy.URL+"/slow", nil)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				defer close(done)
				res, err := http.DefaultClient.Do(req)
				if err == nil {
					io.Copy(io.Discard, res.Body)
					res.Body.Close()
				}
			}()

			Eventually(started).Should(BeClosed())
			cancel()

			Eventually(cancelled).Should(BeClosed())
			Eventually(done).Should(BeClosed())
			Eventually(func() uint64 {
				return m.Snapshot().StatusClasses["4xx"]
			}).Should(Equal(uint64(1)))
			Expect(errorBuf.String()).NotTo(ContainSubstring("Upstream request failed"))
		})

		It("should keep a recovering backend in rotation when the client leaves", func() {
			started := make(chan struct{}, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/slow" {
					started <- struct{}{}
					select {
					case <-r.Context().Done():
					case <-time.After(5 * time.Second):
					}
					return
				}
				w.Write([]byte("ok"))
			}))
			defer srv.Close()

			b := backend.New(mustParseURL(srv.URL), circuitbreaker.NewCircuitBreaker(1, 50*time.Millisecond))
			h := build([]*backend.Backend{b})

			b.RecordFailure()
			Expect(b.BreakerState()).To(Equal(circuitbreaker.StateOpen))
			Eventually(b.Available).Should(BeTrue())

			proxy := httptest.NewServer(h)
			defer proxy.Close()

			ctx, cancel := context.WithCancel(context.Background())
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxy.URL+"/slow", nil)
			Expect(err).NotTo(HaveOccurred())

			go func() {
				res, err := http.DefaultClient.Do(req)
				if err == nil {
					res.Body.Close()
				}
			}()

			Eventually(started).Should(Receive())
			Expect(b.BreakerState()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(b.Available()).To(BeFalse())

			cancel()

			Eventually(b.Available).Should(BeTrue())
			Expect(errorBuf.String()).NotTo(ContainSubstring("Upstream request failed"))

			rec := get(h, "/")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("ok"))
			Expect(b.BreakerState()).To(Equal(circuitbreaker.StateClosed))
		})
	})
})
