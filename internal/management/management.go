// Package management provides a lightweight HTTP API for runtime inspection
// and control of the running service.
//
// Endpoints:
//
//	GET  /status           - health, configuration summary, queue sizes
//	GET  /metrics          - counter and latency snapshot
//	GET  /firms            - registered firms
//	POST /firms/add        - add or update a firm {"id":"kanzlei-berg","ratePerSecond":2}
//	POST /firms/remove     - remove a firm {"id":"kanzlei-berg"}
//	GET  /requests         - in-flight round trips
//	POST /requests/cancel  - cancel one {"correlationId":"..."}
//
// Nothing here returns document content or token maps.
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"legal-pii-handshake/internal/config"
	"legal-pii-handshake/internal/firms"
	"legal-pii-handshake/internal/handshake"
	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
)

// RoundTrips lists and cancels in-flight round trips.
// *handshake.Coordinator implements it.
type RoundTrips interface {
	InFlight() []handshake.InFlight
	Cancel(id string) bool
}

// SignalQueue reports outbox sizes. *signals.Store implements it.
type SignalQueue interface {
	Counts(ctx context.Context) (pending, delivered int64, err error)
}

// Server is the management API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	firms      *firms.Registry
	trips      RoundTrips
	signals    SignalQueue      // nil = no outbox
	strategies []string         // detection strategy ids, for /status
	token      string           // bearer token for auth; empty = no auth
	metrics    *metrics.Metrics // nil = no metrics
	log        *logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSignals reports outbox sizes in /status.
func WithSignals(q SignalQueue) Option { return func(s *Server) { s.signals = q } }

// WithStrategies lists the active detection strategies in /status.
func WithStrategies(ids []string) Option { return func(s *Server) { s.strategies = ids } }

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(s *Server) { s.log = l } }

// New creates a management server.
func New(cfg *config.Config, registry *firms.Registry, trips RoundTrips, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		firms:     registry,
		trips:     trips,
		token:     cfg.ManagementToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.token != "" {
		s.log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/firms", s.handleListFirms)
	mux.HandleFunc("/firms/add", s.handleAddFirm)
	mux.HandleFunc("/firms/remove", s.handleRemoveFirm)
	mux.HandleFunc("/requests", s.handleListRequests)
	mux.HandleFunc("/requests/cancel", s.handleCancelRequest)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status     string   `json:"status"`
		Uptime     string   `json:"uptime"`
		APIPort    int      `json:"apiPort"`
		ConfigFile string   `json:"configFile,omitempty"`
		Remote     string   `json:"remote"`
		Strategies []string `json:"strategies"`
		Firms      int      `json:"firms"`
		InFlight   int      `json:"inFlight"`
		Signals    *struct {
			Pending   int64 `json:"pending"`
			Delivered int64 `json:"delivered"`
		} `json:"signals,omitempty"`
	}

	resp := response{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		APIPort:    s.cfg.APIPort,
		ConfigFile: s.cfg.File,
		Remote:     s.cfg.RemoteKind,
		Strategies: s.strategies,
		Firms:      s.firms.Len(),
		InFlight:   len(s.trips.InFlight()),
	}
	if s.signals != nil {
		pending, delivered, err := s.signals.Counts(r.Context())
		if err != nil {
			s.log.Warnf("status", "signal outbox: %v", err)
		} else {
			resp.Signals = &struct {
				Pending   int64 `json:"pending"`
				Delivered int64 `json:"delivered"`
			}{pending, delivered}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleListFirms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.firms.All())
}

func (s *Server) handleAddFirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req firms.Firm
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid request: need {\"id\":\"...\"}", http.StatusBadRequest)
		return
	}
	req.AddedAt = time.Time{}
	if !firms.ValidID(req.ID) {
		http.Error(w, "invalid firm id", http.StatusBadRequest)
		return
	}
	if err := s.firms.Put(req); err != nil {
		s.log.Errorf("firms", "add %s: %v", req.ID, err)
		http.Error(w, fmt.Sprintf("could not add firm: %v", err), http.StatusBadRequest)
		return
	}
	s.log.With("firm", req.ID).Info("firms", "firm added")
	writeJSON(w, http.StatusOK, map[string]string{"added": req.ID})
}

func (s *Server) handleRemoveFirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid request: need {\"id\":\"...\"}", http.StatusBadRequest)
		return
	}
	if !firms.ValidID(req.ID) {
		http.Error(w, "invalid firm id", http.StatusBadRequest)
		return
	}
	existed, err := s.firms.Remove(req.ID)
	if err != nil {
		s.log.Errorf("firms", "remove %s: %v", req.ID, err)
	}
	if !existed {
		http.Error(w, "unknown firm", http.StatusNotFound)
		return
	}
	s.log.With("firm", req.ID).Info("firms", "firm removed")
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.ID})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.trips.InFlight())
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationID == "" {
		http.Error(w, "invalid request: need {\"correlationId\":\"...\"}", http.StatusBadRequest)
		return
	}
	if !s.trips.Cancel(req.CorrelationID) {
		http.Error(w, "no in-flight round trip with that id", http.StatusNotFound)
		return
	}
	s.log.With("correlation_id", req.CorrelationID).Warn("cancel", "round trip cancelled by operator")
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": req.CorrelationID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HTTPServer returns the management http.Server, bound to loopback.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
