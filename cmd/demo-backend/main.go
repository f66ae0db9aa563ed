// Demo-backend is the identity-reporting app placed behind the proxy for
// end-to-end checks of the round-robin distribution.
//
// Usage:
//
//	APP_NUMBER=2 demo-backend --name "App 2" --port 5000
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kong"

	"github.com/angeloszaimis/edge-proxy/pkg/logger"
)

type CLI struct {
	Name      string `default:"App" env:"APP_NAME" help:"Identity reported on /."`
	AppNumber string `name:"app-number" default:"1" env:"APP_NUMBER" help:"Number reported on /health."`
	Port      int    `default:"5000" env:"PORT" help:"Port to listen on."`
	LogLevel  string `default:"info" env:"LOG_LEVEL" help:"Log level."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("demo-backend"),
		kong.Description("Demo application that reports its identity."),
	)

	log := logger.New(cli.LogLevel, false, "dev")

	addr := fmt.Sprintf(":%d", cli.Port)
	log.Info("Starting backend",
		slog.String("address", addr),
		slog.String("name", cli.Name),
		slog.String("app_number", cli.AppNumber))

	if err := http.ListenAndServe(addr, newMux(cli.Name, cli.AppNumber, log)); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	AppNumber string `json:"app_number"`
}

func newMux(name, appNumber string, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Hi, this is %s", name)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: "healthy", AppNumber: appNumber})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr),
			slog.String("x_real_ip", r.Header.Get("X-Real-IP")),
			slog.String("x_forwarded_for", r.Header.Get("X-Forwarded-For")))
		mux.ServeHTTP(w, r)
	})
}
