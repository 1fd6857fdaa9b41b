// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/internal/orchestrator"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/review"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Server wires HTTP handlers to the orchestrator, review gate, and store.
type Server struct {
	router       chi.Router
	orchestrator *orchestrator.Orchestrator
	gate         *review.Gate
	store        pipeline.Store
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	orch *orchestrator.Orchestrator,
	gate *review.Gate,
	store pipeline.Store,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: orch,
		gate:         gate,
		store:        store,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(5 * time.Minute))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.submitRun)
		r.Get("/entries/{entry_id}", s.getEntry)
		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", s.listReviews)
			r.Post("/sweep", s.sweepReviews)
			r.Route("/{review_id}", func(r chi.Router) {
				r.Get("/", s.getReview)
				r.Post("/approve", s.approveReview)
				r.Post("/reject", s.rejectReview)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type runRequest struct {
	Sources []pipeline.Source `json:"sources"`
}

type runResultResponse struct {
	Locator     string                   `json:"locator"`
	Status      pipeline.ResultStatus    `json:"status"`
	Records     int                      `json:"records"`
	Metrics     *pipeline.QualityMetrics `json:"metrics,omitempty"`
	NeedsReview bool                     `json:"needs_review"`
	EntryIDs    []string                 `json:"entry_ids,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if len(req.Sources) == 0 {
		writeError(w, http.StatusBadRequest, "at least one source required", s.logger)
		return
	}
	for _, src := range req.Sources {
		if src.Locator == "" {
			writeError(w, http.StatusBadRequest, "source locator required", s.logger)
			return
		}
		if src.Kind != pipeline.SourceKindWebsite && src.Kind != pipeline.SourceKindAPI {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported source kind %q", src.Kind), s.logger)
			return
		}
	}

	results := s.orchestrator.Run(r.Context(), req.Sources)
	resp := make([]runResultResponse, 0, len(results))
	for _, res := range results {
		item := runResultResponse{
			Locator:     res.Source.Locator,
			Status:      res.Status,
			Records:     len(res.Records),
			NeedsReview: res.NeedsReview,
			EntryIDs:    res.EntryIDs,
			Error:       res.ErrText,
		}
		if res.Status == pipeline.StatusSuccess {
			metrics := res.Metrics
			item.Metrics = &metrics
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": resp}, s.logger)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entry_id")
	record, err := s.store.GetByID(r.Context(), entryID)
	if err != nil {
		writeError(w, http.StatusNotFound, "entry not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": record}, s.logger)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	items := s.gate.Pending(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items}, s.logger)
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "review_id")
	item, err := s.gate.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "review not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": item}, s.logger)
}

type reviewActionRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

func (s *Server) approveReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "review_id")
	var req reviewActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer required", s.logger)
		return
	}
	if err := s.gate.Approve(r.Context(), id, req.Reviewer); err != nil {
		s.writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(pipeline.ReviewApproved)}, s.logger)
}

func (s *Server) rejectReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "review_id")
	var req reviewActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer required", s.logger)
		return
	}
	if err := s.gate.Reject(r.Context(), id, req.Reviewer, req.Reason); err != nil {
		s.writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(pipeline.ReviewRejected)}, s.logger)
}

func (s *Server) sweepReviews(w http.ResponseWriter, r *http.Request) {
	expired := s.gate.SweepExpired(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired}, s.logger)
}

func (s *Server) writeReviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "review not found", s.logger)
	case errors.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
