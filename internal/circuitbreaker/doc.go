// Package circuitbreaker implements passive failure tracking for upstream
// backends, the equivalent of nginx's max_fails and fail_timeout.
//
// A breaker has three states:
//
//   - CLOSED: the backend takes traffic
//   - OPEN: max_fails forwards failed within fail_timeout; the backend is skipped for fail_timeout
//   - HALF-OPEN: fail_timeout has passed and a single probe request is in flight
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(3, 10*time.Second)
//	cb := registry.GetBreaker("app1:5000")
//	if cb.Allow() {
//	    // forward the request...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
