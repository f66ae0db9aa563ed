// Package metrics provides the proxy's connection and request statistics.
//
// Counters are plain atomics updated on the request path:
//   - client connections: active, accepted, handled (fed by http.Server.ConnState)
//   - completed requests, total and per status class (1xx..5xx)
//
// The same values are exported through a dedicated Prometheus registry,
// together with per-backend pool state (availability, in-flight requests,
// round-robin selections, failure tracking state), upstream response time,
// upstream errors, and the Go runtime and process collectors.
//
// Example usage:
//
//	m := metrics.New(pool)
//	srv.ConnState = m.ConnState
//	m.RecordRequest(http.StatusOK)
//	mux.Handle("/metrics", m.Handler())
package metrics
