// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

// ============================================================================
// CONFIG
// ============================================================================

// DefaultListen is the default operations address.
const DefaultListen = "127.0.0.1:8788"

// Config controls the operations listener.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Validate requires a loopback listen address.
func (c Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("ops listen %q: %w", c.Listen, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("ops listen %q: bad port", c.Listen)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("ops listen %q: must be a loopback address", c.Listen)
	}
	return nil
}

// ============================================================================
// DEPENDENCIES
// ============================================================================

// ChainVerifier checks the audit chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, from, to uint64) (audit.Report, error)
}

// BackupLister lists the backup catalog.
type BackupLister interface {
	List(ctx context.Context) ([]backup.Record, error)
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves the operations endpoints.
type Server struct {
	cfg     Config
	monitor *Monitor
	audit   ChainVerifier
	backups BackupLister
	logger  *zap.Logger
	handler http.Handler
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New validates cfg and builds the router.
func New(cfg Config, mon *Monitor, verifier ChainVerifier, backups BackupLister, opts ...Option) (*Server, error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		monitor: mon,
		audit:   verifier,
		backups: backups,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router with its middleware.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger), SecurityHeadersMiddleware(), LoopbackOnly(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/audit/verify", s.handleVerify)
	r.Get("/backups", s.handleBackups)
	return r
}

// ListenAndServe blocks serving the operations surface until Shutdown.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.logger.Info("operations server listening", zap.String("addr", s.cfg.Listen))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("operations server stopping")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status      string `json:"status"`
	Alerts      int    `json:"alerts"`
	TotalAlerts uint64 `json:"total_alerts"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Alerts:      len(s.monitor.Alerts()),
		TotalAlerts: s.monitor.Total(),
		Uptime:      s.monitor.Uptime().Round(time.Second).String(),
	}
	status := http.StatusOK
	if !s.monitor.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.monitor.Alerts()})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, err := seqParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := seqParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.audit.VerifyChain(r.Context(), from, to)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrBusy) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	if !report.Intact {
		s.monitor.Raise("audit", "verify", fmt.Errorf("audit chain broken at seq %d: %s", report.FirstBad, report.Problem))
		writeJSON(w, http.StatusConflict, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backups.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": recs})
}

// ============================================================================
// HELPERS
// ============================================================================

func seqParam(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a sequence number", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
