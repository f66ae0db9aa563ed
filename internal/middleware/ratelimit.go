package middleware

import (
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/time/rate"
)

// ErrorRenderer writes the error document for a status.
type ErrorRenderer interface {
	Render(w http.ResponseWriter, status int)
}

// RateLimit admits requests through a single token bucket shared by all
// clients. Rejected requests get 503 and the error page.
func RateLimit(requestsPerSecond float64, burst int, pages ErrorRenderer, log *slog.Logger) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				host, _, _ := net.SplitHostPort(r.RemoteAddr)
				log.Warn("Limiting requests",
					slog.String("client", host),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Float64("rate", requestsPerSecond),
					slog.Int("burst", burst))
				pages.Render(w, http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
