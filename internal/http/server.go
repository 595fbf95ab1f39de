package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hitspin/internal/core"
)

// Game is the slice of the orchestrator the HTTP surface needs.
type Game interface {
	BeginLogin(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, query url.Values) (string, error)
	CurrentState() (core.State, core.Payload)
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	game    Game
	metrics *Metrics
}

type Metrics struct {
	RoundsTotal   prometheus.Counter
	ScansTotal    *prometheus.CounterVec
	RepeatsTotal  prometheus.Counter
	LoginsTotal   *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	RoundDuration prometheus.Histogram
	PlayedSize    prometheus.Gauge
}

func NewServer(config *core.ServerConfig, logger *zap.Logger, game Game, ws http.HandlerFunc) *Server {
	metrics := &Metrics{
		RoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hitspin_rounds_total",
				Help: "Total number of rounds started",
			},
		),
		ScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hitspin_scans_total",
				Help: "Total number of scan payloads processed",
			},
			[]string{"result"},
		),
		RepeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hitspin_repeats_total",
				Help: "Total number of already-played cards scanned again",
			},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hitspin_logins_total",
				Help: "Total number of login attempts",
			},
			[]string{"status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hitspin_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "type"},
		),
		RoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hitspin_round_duration_seconds",
				Help:    "Time from scan to reveal per round",
				Buckets: prometheus.DefBuckets,
			},
		),
		PlayedSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hitspin_played_size",
				Help: "Number of cards remembered as already played",
			},
		),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.RoundsTotal,
		metrics.ScansTotal,
		metrics.RepeatsTotal,
		metrics.LoginsTotal,
		metrics.ErrorsTotal,
		metrics.RoundDuration,
		metrics.PlayedSize,
	)

	s := &Server{
		config:  config,
		logger:  logger,
		game:    game,
		metrics: metrics,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"hitspin"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"hitspin"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/state", s.handleState)
	if ws != nil {
		mux.HandleFunc("/ws", ws)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// handleLogin redirects to the authorization page. The PKCE verifier is
// generated and persisted behind BeginLogin before the redirect leaves.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.game.BeginLogin(r.Context())
	if err != nil {
		s.logger.Error("login rejected", zap.Error(err))
		s.RecordLogin("rejected")
		http.Error(w, core.UserMessage(err), http.StatusServiceUnavailable)
		return
	}
	s.RecordLogin("redirected")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the code exchange and then drops the transient
// query parameters by redirecting to a stripped URL.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	redirect, err := s.game.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		s.logger.Error("callback failed", zap.Error(err))
		s.RecordLogin("failed")
		http.Error(w, core.UserMessage(err), http.StatusBadRequest)
		return
	}
	if redirect == "" {
		redirect = "/"
	}
	s.RecordLogin("completed")
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state, payload := s.game.CurrentState()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"state":       state.String(),
		"device_id":   payload.DeviceID,
		"message":     payload.Message,
		"track_label": payload.TrackLabel,
		"repeat":      payload.Repeat,
		"retryable":   payload.Retryable,
	}); err != nil {
		s.logger.Warn("state encoding failed", zap.Error(err))
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) RecordRound() {
	s.metrics.RoundsTotal.Inc()
}

func (s *Server) RecordScan(result string) {
	s.metrics.ScansTotal.WithLabelValues(result).Inc()
}

func (s *Server) RecordRepeat() {
	s.metrics.RepeatsTotal.Inc()
}

func (s *Server) RecordLogin(status string) {
	s.metrics.LoginsTotal.WithLabelValues(status).Inc()
}

func (s *Server) RecordError(component, errorType string) {
	s.metrics.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (s *Server) RecordRoundDuration(duration time.Duration) {
	s.metrics.RoundDuration.Observe(duration.Seconds())
}

func (s *Server) SetPlayedSize(size int) {
	s.metrics.PlayedSize.Set(float64(size))
}
