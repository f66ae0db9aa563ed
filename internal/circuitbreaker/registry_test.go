package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edge-proxy/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(5, 30*time.Second)
	})

	Describe("GetBreaker", func() {
		It("should create a new breaker for unknown address", func() {
			cb := registry.GetBreaker("app1:5000")
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return the same breaker for the same address", func() {
			cb1 := registry.GetBreaker("app1:5000")
			cb2 := registry.GetBreaker("app1:5000")
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should return different breakers for different addresses", func() {
			cb1 := registry.GetBreaker("app1:5000")
			cb2 := registry.GetBreaker("app2:5000")
			Expect(cb1).NotTo(BeIdenticalTo(cb2))
		})

		It("should use registry threshold for new breakers", func() {
			registry = circuitbreaker.NewRegistry(2, 100*time.Millisecond)
			cb := registry.GetBreaker("app1:5000")

			cb.RecordFailure()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Describe("Concurrent access", func() {
		It("should hand out a single breaker under concurrent GetBreaker calls", func() {
			const goroutines = 100

			var wg sync.WaitGroup
			wg.Add(goroutines)

			for i := 0; i < goroutines; i++ {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for j := 0; j < 10; j++ {
						Expect(registry.GetBreaker("app1:5000")).NotTo(BeNil())
					}
				}()
			}

			wg.Wait()
			Expect(registry.Stats()).To(HaveLen(1))
		})

		It("should keep a valid state under concurrent updates", func() {
			const goroutines = 50

			var wg sync.WaitGroup
			wg.Add(goroutines * 2)

			cb := registry.GetBreaker("app1:5000")

			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					cb.RecordFailure()
				}()
				go func() {
					defer wg.Done()
					cb.RecordSuccess()
				}()
			}

			wg.Wait()

			Expect(cb.State()).To(BeElementOf(
				circuitbreaker.StateClosed,
				circuitbreaker.StateOpen,
				circuitbreaker.StateHalfOpen,
			))
		})
	})

	Describe("Retain", func() {
		It("should drop breakers for removed addresses", func() {
			kept := registry.GetBreaker("app1:5000")
			registry.GetBreaker("app2:5000")
			registry.GetBreaker("app3:5000")

			registry.Retain([]string{"app1:5000"})

			Expect(registry.Stats()).To(HaveLen(1))
			Expect(registry.GetBreaker("app1:5000")).To(BeIdenticalTo(kept))
		})
	})

	Describe("Stats", func() {
		It("should return state of all breakers", func() {
			registry.GetBreaker("app1:5000")
			cb2 := registry.GetBreaker("app2:5000")

			for i := 0; i < 5; i++ {
				cb2.RecordFailure()
			}

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["app1:5000"]).To(Equal(circuitbreaker.StateClosed))
			Expect(stats["app2:5000"]).To(Equal(circuitbreaker.StateOpen))
		})
	})
})
