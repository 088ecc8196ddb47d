// Package server exposes the handshake to applications inside the firm's
// trust boundary.
//
// Endpoints:
//
//	POST   /v1/documents       - anonymize, dispatch and rehydrate one document
//	GET    /v1/documents/{id}  - outcome of a finished round trip (no content)
//	DELETE /v1/documents/{id}  - cancel an in-flight round trip
//	POST   /v1/signals         - record what the user did with a draft
//	GET    /healthz            - liveness
//
// The listener is meant for the local network only. Document text crosses it
// in the clear; only anonymized text ever leaves the process.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"legal-pii-handshake/internal/anonymizer"
	"legal-pii-handshake/internal/handshake"
	"legal-pii-handshake/internal/logger"
	"legal-pii-handshake/internal/metrics"
	"legal-pii-handshake/internal/remote"
	"legal-pii-handshake/internal/signals"
)

// StatusClientClosedRequest is returned when a round trip was cancelled.
const StatusClientClosedRequest = 499

// Processor runs round trips. *handshake.Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, req handshake.Request) (*handshake.Result, error)
	Cancel(id string) bool
	Lookup(id string) (handshake.Summary, bool)
}

// SignalSink accepts abstracted learning signals. *signals.Store implements
// it.
type SignalSink interface {
	Enqueue(ctx context.Context, sig signals.LearningSignal) (int64, error)
}

// Server is the local API server.
type Server struct {
	proc       Processor
	abstractor *signals.Abstractor
	sink       SignalSink
	token      string
	maxBody    int64
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires a bearer token on every request.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// WithMaxBody bounds request bodies in bytes.
func WithMaxBody(n int64) Option { return func(s *Server) { s.maxBody = n } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// New creates a Server. sink may be nil, in which case signals are accepted
// and dropped.
func New(proc Processor, abstractor *signals.Abstractor, sink SignalSink, opts ...Option) *Server {
	s := &Server{
		proc:       proc,
		abstractor: abstractor,
		sink:       sink,
		maxBody:    2 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.abstractor == nil {
		s.abstractor, _ = signals.NewAbstractor(nil)
	}
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents", s.handleProcess)
	mux.HandleFunc("GET /v1/documents/{id}", s.handleLookup)
	mux.HandleFunc("DELETE /v1/documents/{id}", s.handleCancel)
	mux.HandleFunc("POST /v1/signals", s.handleSignal)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.authMiddleware(mux)
}

// HTTPServer returns an http.Server for addr serving Handler.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

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
			s.log.Warnf("auth", "unauthorized request from %s to %s", r.RemoteAddr, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type taskBody struct {
	Type         string `json:"taskType"`
	DocumentType string `json:"documentType"`
	Language     string `json:"language"`
	Format       string `json:"format"`
}

type processBody struct {
	FirmID string   `json:"firmId"`
	Text   string   `json:"text"`
	Task   taskBody `json:"task"`
}

type processResponse struct {
	CorrelationID         string            `json:"correlationId"`
	Text                  string            `json:"text"`
	Report                anonymizer.Report `json:"report"`
	Attempts              int               `json:"attempts"`
	Degraded              []string          `json:"degraded,omitempty"`
	Reprocessed           bool              `json:"reprocessed,omitempty"`
	PreviousCorrelationID string            `json:"previousCorrelationId,omitempty"`
	Reason                handshake.Reason  `json:"reason,omitempty"`
}

type failureResponse struct {
	CorrelationID string           `json:"correlationId,omitempty"`
	Reason        handshake.Reason `json:"reason"`
	Stage         handshake.Stage  `json:"stage,omitempty"`
	Error         string           `json:"error"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var body processBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request: need {\"firmId\",\"text\",\"task\"}")
		return
	}

	res, err := s.proc.Process(r.Context(), handshake.Request{
		FirmID: body.FirmID,
		Text:   body.Text,
		Task: remote.Task{
			Type:         body.Task.Type,
			DocumentType: body.Task.DocumentType,
			Language:     body.Task.Language,
			Format:       remote.Format(body.Task.Format),
		},
	})

	var f *handshake.Failure
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toResponse(res, ""))
	case errors.As(err, &f) && f.Reason == handshake.ReasonUnresolvedPlaceholder && res != nil:
		writeJSON(w, http.StatusUnprocessableEntity, toResponse(res, f.Reason))
	case errors.As(err, &f):
		writeJSON(w, statusFor(f.Reason), failureResponse{
			CorrelationID: f.CorrelationID,
			Reason:        f.Reason,
			Stage:         f.Stage,
			Error:         f.Error(),
		})
	default:
		s.log.Errorf("process", "unexpected error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toResponse(res *handshake.Result, reason handshake.Reason) processResponse {
	return processResponse{
		CorrelationID:         res.CorrelationID,
		Text:                  res.FinalText,
		Report:                res.Report,
		Attempts:              res.Attempts,
		Degraded:              res.Degraded,
		Reprocessed:           res.Reprocessed,
		PreviousCorrelationID: res.PreviousCorrelationID,
		Reason:                reason,
	}
}

// statusFor maps a failure reason to an HTTP status.
func statusFor(reason handshake.Reason) int {
	switch reason {
	case handshake.ReasonInvalidRequest:
		return http.StatusBadRequest
	case handshake.ReasonRemoteUnavailable:
		return http.StatusServiceUnavailable
	case handshake.ReasonRemoteTimeout:
		return http.StatusGatewayTimeout
	case handshake.ReasonInvalidResponse:
		return http.StatusBadGateway
	case handshake.ReasonUnresolvedPlaceholder:
		return http.StatusUnprocessableEntity
	case handshake.ReasonCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.proc.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown correlation id")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.proc.Cancel(id) {
		writeError(w, http.StatusNotFound, "no in-flight round trip with that id")
		return
	}
	s.log.With("correlation_id", id).Info("cancel", "round trip cancelled by caller")
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

// signalBody carries the user's reaction. Draft and Final are only used to
// measure the edit locally and are dropped afterwards.
type signalBody struct {
	CorrelationID string `json:"correlationId"`
	FirmID        string `json:"firmId"`
	Outcome       string `json:"outcome"`
	EditBucket    string `json:"editDistanceBucket"`
	Draft         string `json:"draft"`
	Final         string `json:"final"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var body signalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: need {\"correlationId\",\"firmId\",\"outcome\"}")
		return
	}
	sum, ok := s.proc.Lookup(body.CorrelationID)
	if !ok || sum.FirmID != body.FirmID {
		writeError(w, http.StatusNotFound, "unknown correlation id")
		return
	}
	if sum.State != handshake.StateCompleted && sum.Reason != handshake.ReasonUnresolvedPlaceholder {
		writeError(w, http.StatusConflict, "round trip produced no draft")
		return
	}

	act := signals.UserAction{Kind: signals.Outcome(body.Outcome)}
	if act.Kind == signals.AcceptedWithEdits {
		switch {
		case body.Draft != "" || body.Final != "":
			act.Edit = signals.MeasureEdit(body.Draft, body.Final)
		case body.EditBucket != "":
			act.Edit = signals.EditBucket(body.EditBucket)
		default:
			writeError(w, http.StatusBadRequest, "accepted_with_edits needs draft and final, or an edit bucket")
			return
		}
	}

	sig, err := s.abstractor.Abstract(signals.Interaction{
		CorrelationID: sum.CorrelationID,
		FirmID:        sum.FirmID,
		TaskType:      sum.TaskType,
	}, act)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.sink != nil {
		if _, err := s.sink.Enqueue(r.Context(), sig); err != nil {
			s.log.Errorf("signal", "enqueue failed: %v", err)
			writeError(w, http.StatusInternalServerError, "could not record signal")
			return
		}
	}
	s.metrics.SignalsRecorded.Add(1)
	writeJSON(w, http.StatusAccepted, sig)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
