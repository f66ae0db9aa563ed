// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package: colored text in development, JSON
// in production, plus the two append-only request logs (access and error)
// written by the proxy.
package logger
