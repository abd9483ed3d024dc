package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/handlers"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/middleware"
)

// Handler returns the ops mux: /health, /stats, /metrics and /send
func (p *Pipeline) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", p.healthHandler)

	// Stats endpoint
	mux.HandleFunc("/stats", p.statsHandler)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Outbound send, 503 unless publishing is enabled
	mux.Handle("/send", handlers.NewSendHandler(handlers.SendConfig{
		Sender:       p.Sender(),
		DefaultTopic: p.cfg.Publish.Topic,
	}))

	log := logger.WithComponent("http").With().Str("profile", string(p.cfg.Profile)).Logger()
	return middleware.Chain(mux, middleware.Logging(log), middleware.Recovery(log))
}

// startHTTPServer serves the ops endpoints in the background
func (p *Pipeline) startHTTPServer(log zerolog.Logger) {
	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// healthHandler handles health check requests
func (p *Pipeline) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{
		"status":    "healthy",
		"profile":   p.cfg.Profile,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	// Check the outbound writer pool when publishing
	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}

	writeJSON(w, status, body)
}

// statsHandler returns current statistics
func (p *Pipeline) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
