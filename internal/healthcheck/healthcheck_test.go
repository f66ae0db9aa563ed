package healthcheck_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
	"github.com/angeloszaimis/edge-proxy/internal/healthcheck"
	"github.com/angeloszaimis/edge-proxy/internal/loadbalancer"
)

var _ = Describe("Checker", func() {
	var (
		healthy     atomic.Bool
		probedPath  atomic.Value
		mockBackend *httptest.Server
		pool        *loadbalancer.Pool
		logBuf      *bytes.Buffer
		log         *slog.Logger
	)

	BeforeEach(func() {
		healthy.Store(true)
		mockBackend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			probedPath.Store(r.URL.Path)
			if healthy.Load() {
				w.Write([]byte(`{"status":"healthy"}`))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		var err error
		pool, err = loadbalancer.NewPool([]*backend.Backend{
			backend.New(mustParseURL(mockBackend.URL), nil),
		})
		Expect(err).NotTo(HaveOccurred())

		logBuf = &bytes.Buffer{}
		log = slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	AfterEach(func() {
		mockBackend.Close()
	})

	Describe("CheckAll", func() {
		It("should probe the configured path", func() {
			c := healthcheck.New(pool, "/status", time.Second, time.Second, log)
			c.CheckAll(context.Background())

			Expect(probedPath.Load()).To(Equal("/status"))
		})

		It("should mark a failing backend dead and bring it back", func() {
			c := healthcheck.New(pool, "/health", time.Second, time.Second, log)
			b := pool.Backends()[0]

			healthy.Store(false)
			c.CheckAll(context.Background())
			Expect(b.IsAlive()).To(BeFalse())
			Expect(logBuf.String()).To(ContainSubstring("Server is down"))

			healthy.Store(true)
			c.CheckAll(context.Background())
			Expect(b.IsAlive()).To(BeTrue())
			Expect(logBuf.String()).To(ContainSubstring("Server is back up"))
		})

		It("should mark an unreachable backend dead", func() {
			dead := httptest.NewServer(http.NotFoundHandler())
			deadURL := dead.URL
			dead.Close()

			Expect(pool.Replace([]*backend.Backend{
				backend.New(mustParseURL(deadURL), nil),
			})).To(Succeed())

			c := healthcheck.New(pool, "/health", time.Second, 200*time.Millisecond, log)
			c.CheckAll(context.Background())

			Expect(pool.Backends()[0].IsAlive()).To(BeFalse())
		})

		It("should only log state changes", func() {
			c := healthcheck.New(pool, "/health", time.Second, time.Second, log)
			c.CheckAll(context.Background())
			c.CheckAll(context.Background())

			Expect(logBuf.String()).NotTo(ContainSubstring("Server is"))
		})
	})

	Describe("Run", func() {
		It("should not panic on a zero interval", func() {
			c := healthcheck.New(pool, "/health", 0, time.Second, log)
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				c.Run(ctx)
			}()

			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should keep probing until the context is cancelled", func() {
			c := healthcheck.New(pool, "/health", 20*time.Millisecond, time.Second, log)
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan struct{})
			go func() {
				defer close(done)
				c.Run(ctx)
			}()

			healthy.Store(false)
			Eventually(pool.Backends()[0].IsAlive).Should(BeFalse())

			healthy.Store(true)
			Eventually(pool.Backends()[0].IsAlive).Should(BeTrue())

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})

