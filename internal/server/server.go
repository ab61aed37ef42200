// Package server runs the porthos responder: broker connection, dispatcher,
// optional unmatched-delivery store, and the HTTP health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/porthos/internal/config"
	"github.com/morezero/porthos/pkg/db"
	"github.com/morezero/porthos/pkg/dispatcher"
	"github.com/morezero/porthos/pkg/metrics"
	"github.com/morezero/porthos/pkg/transport"
)

const logPrefix = "server:server"

// unmatchedStore is the part of db.Repository the HTTP handlers read.
type unmatchedStore interface {
	ListUnmatched(ctx context.Context, params db.ListUnmatchedParams) ([]db.UnmatchedDelivery, error)
}

// Server serves one service's requests.
type Server struct {
	cfg        *config.Config
	tr         transport.Transport
	check      HealthCheck
	disp       *dispatcher.Dispatcher
	store      unmatchedStore
	gatherer   prometheus.Gatherer
	sub        transport.Subscription
	httpServer *http.Server
}

// NewServerParams holds parameters for New.
type NewServerParams struct {
	Config     *config.Config
	Transport  transport.Transport
	Health     HealthCheck
	Dispatcher *dispatcher.Dispatcher
	// Store is optional; /unmatched answers 404 without it.
	Store unmatchedStore
	// Metrics is optional; /metrics answers 404 without it.
	Metrics prometheus.Gatherer
}

// New creates a Server. Nothing is consumed until Start.
func New(params NewServerParams) *Server {
	return &Server{
		cfg:      params.Config,
		tr:       params.Transport,
		check:    params.Health,
		disp:     params.Dispatcher,
		store:    params.Store,
		gatherer: params.Metrics,
	}
}

// Start consumes the service destination and starts the HTTP server when
// an address is configured.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.disp.Serve(ctx, s.tr, s.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("%s - failed to serve %s: %w", logPrefix, s.cfg.ServiceName, err)
	}
	s.sub = sub

	addr := s.httpAddr()
	if addr == "" {
		return nil
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, addr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Shutdown stops consuming, waits for in-flight handlers and stops HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.sub != nil {
		if err := s.sub.Cancel(); err != nil {
			firstErr = err
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) httpAddr() string {
	if s.cfg.HTTPAddr != "" {
		return s.cfg.HTTPAddr
	}
	if s.cfg.HTTPPort > 0 {
		return fmt.Sprintf(":%d", s.cfg.HTTPPort)
	}
	return ""
}

// healthOutput is the /health response body.
type healthOutput struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	Transport string   `json:"transport"`
	Version   string   `json:"version,omitempty"`
	Methods   []string `json:"methods"`
	Error     string   `json:"error,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Handler returns the HTTP routes: /health, /ready, /unmatched and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/unmatched", s.handleUnmatched)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	out := healthOutput{
		Status:    "healthy",
		Service:   s.cfg.ServiceName,
		Transport: s.cfg.Transport,
		Version:   s.disp.ServiceVersion(),
		Methods:   s.disp.Methods(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if s.check != nil {
		if err := s.check(ctx); err != nil {
			out.Status = "unhealthy"
			out.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, out)
}

func (s *Server) handleUnmatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "unmatched-delivery store not configured", http.StatusNotFound)
		return
	}

	params := db.ListUnmatchedParams{Service: r.URL.Query().Get("service")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	list, err := s.store.ListUnmatched(ctx, params)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - list unmatched: %v", logPrefix, err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []db.UnmatchedDelivery{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Run loads config, serves until SIGINT/SIGTERM, then shuts down.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	cfg.SetupLogging()
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting porthos responder for %s over %s", logPrefix, cfg.ServiceName, cfg.Transport))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, check, err := OpenTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	var store unmatchedStore
	if cfg.DatabaseURL != "" {
		diag, err := OpenDiagnostics(ctx, cfg, tr)
		if err != nil {
			return err
		}
		defer diag.Close()
		store = diag.Repo
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewServerCollector()
	reg.MustRegister(collector)

	disp := dispatcher.NewDispatcher(
		dispatcher.WithServiceVersion(cfg.ServiceVersion),
		dispatcher.WithRequestTimeout(cfg.HandlerTimeout),
		dispatcher.WithMetrics(collector),
	)
	dispatcher.RegisterBuiltins(disp)

	s := New(NewServerParams{
		Config:     cfg,
		Transport:  tr,
		Health:     check,
		Dispatcher: disp,
		Store:      store,
		Metrics:    reg,
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - porthos responder is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - shutdown: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}
