package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP server timeouts.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

// ConnectionChecker reports channel connectivity for the health endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// Server serves the Twilio webhook, the health check and Prometheus metrics.
type Server struct {
	channel ConnectionChecker
	webhook http.HandlerFunc
	router  chi.Router
}

// NewServer builds the router. webhook may be nil when the channel does not
// receive messages over HTTP; the route is then not mounted.
func NewServer(channel ConnectionChecker, webhook http.HandlerFunc) *Server {
	s := &Server{channel: channel, webhook: webhook}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if webhook != nil {
		r.Post("/twilio/webhook", s.twilioWebhookHandler)
	}
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Serve: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.twilioWebhookHandler: inbound webhook", "remote", r.RemoteAddr)
	s.webhook(w, r)
}

// healthHandler reports 503 while the channel is disconnected.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	connected := s.channel != nil && s.channel.IsConnected()
	healthData := map[string]any{
		"status":    "healthy",
		"connected": connected,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if !connected {
		healthData["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
		slog.Warn("Server.healthHandler: channel disconnected")
	}
	writeJSONResponse(w, statusCode, healthData)
}
