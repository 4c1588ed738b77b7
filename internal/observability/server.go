// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package observability provides HTTP endpoints for metrics and health
// checks, plus the relay's Prometheus instrumentation.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Package-level instruments so the hub, transport, and session layers can
// record without holding a Server reference.
var (
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_dispatched_total",
			Help: "Total number of events dispatched through the hub",
		},
		[]string{"event"},
	)
	listenerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_listener_errors_total",
			Help: "Total number of listener failures caught at the dispatch boundary",
		},
		[]string{"event"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_frames_total",
			Help: "Total number of frames by direction",
		},
		[]string{"direction"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_active",
			Help: "Number of authenticated sessions currently connected",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_auth_failures_total",
			Help: "Total number of rejected authentication handshakes",
		},
	)
	extraCommandTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_extra_command_timeouts_total",
			Help: "Total number of extra-command calls that timed out",
		},
	)
)

// RecordEventDispatched increments the dispatch counter for an event.
func RecordEventDispatched(event string) {
	eventsDispatched.WithLabelValues(event).Inc()
}

// RecordListenerError increments the listener failure counter for an event.
func RecordListenerError(event string) {
	listenerErrors.WithLabelValues(event).Inc()
}

// RecordFrame increments the frame counter. Direction is "in" or "out".
func RecordFrame(direction string) {
	framesTotal.WithLabelValues(direction).Inc()
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	sessionsActive.Dec()
}

// RecordAuthFailure increments the rejected handshake counter.
func RecordAuthFailure() {
	authFailures.Inc()
}

// RecordExtraCommandTimeout increments the extra-command timeout counter.
func RecordExtraCommandTimeout() {
	extraCommandTimeouts.Inc()
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Dedicated registry to avoid polluting the global one.
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		eventsDispatched,
		listenerErrors,
		framesTotal,
		sessionsActive,
		authFailures,
		extraCommandTimeouts,
	)

	return &Server{
		addr:     addr,
		registry: registry,
		isReady:  readinessChecker,
	}
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP
// server after it starts; the channel is closed when the server stops
// gracefully. Callers should monitor it to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
