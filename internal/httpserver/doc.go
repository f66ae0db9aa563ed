// Package httpserver wraps http.Server with address validation, a cap on
// concurrent connections and graceful shutdown.
package httpserver
