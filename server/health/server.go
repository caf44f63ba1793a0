// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and latency probes for a bus
// node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/nanobus/stats"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Connection reports broker connection liveness.
type Connection interface {
	IsClosed() bool
}

// Consumer reports the queues a node consumes.
type Consumer interface {
	Queues() []string
}

// Summarizer aggregates recorded latency samples.
type Summarizer interface {
	Summarize(messageType string) (stats.Summary, error)
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	service  string
	conn     Connection
	consumer Consumer
	stats    Summarizer
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. consumer and sum may be nil.
func New(cfg Config, service string, conn Connection, consumer Consumer, sum Summarizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		service:  service,
		conn:     conn,
		consumer: consumer,
		stats:    sum,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the probe handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves probes until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// StatusResponse describes the node.
type StatusResponse struct {
	Service   string   `json:"service"`
	Connected bool     `json:"connected"`
	Queues    []string `json:"queues"`
}

// StatsResponse carries averaged latencies in milliseconds.
type StatsResponse struct {
	MessageType string  `json:"message_type,omitempty"`
	Count       int     `json:"count"`
	AvgTravelMs float64 `json:"avg_travel_ms"`
	AvgTotalMs  float64 `json:"avg_total_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleReady reports ready while the broker connection is open.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if s.conn == nil || s.conn.IsClosed() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker connection closed",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := StatusResponse{
		Service:   s.service,
		Connected: s.conn != nil && !s.conn.IsClosed(),
		Queues:    []string{},
	}
	if s.consumer != nil {
		resp.Queues = s.consumer.Queues()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats summarizes samples, optionally filtered by ?type=.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.stats == nil {
		http.Error(w, "stats disabled", http.StatusNotFound)
		return
	}

	messageType := r.URL.Query().Get("type")
	sum, err := s.stats.Summarize(messageType)
	if err != nil {
		s.logger.Error("Failed to summarize stats", slog.String("error", err.Error()))
		http.Error(w, "failed to summarize stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		MessageType: messageType,
		Count:       sum.Count,
		AvgTravelMs: float64(sum.AvgTravel) / float64(time.Millisecond),
		AvgTotalMs:  float64(sum.AvgTotal) / float64(time.Millisecond),
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
