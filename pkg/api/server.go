// Package api exposes a scoring Service over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/errs"
)

// RequestIDHeader carries the id assigned to each request.
const RequestIDHeader = "X-Request-ID"

// Server routes scoring requests to one Service.
type Server struct {
	svc             *cascade.Service
	logger          *zap.Logger
	maxBody         int64
	shutdownTimeout time.Duration
	now             func() time.Time

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithShutdownTimeout bounds the graceful shutdown in Serve.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// NewServer builds the HTTP routes over svc.
func NewServer(svc *cascade.Service, logger *zap.Logger, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: api server needs a scoring service", errs.ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:             svc,
		logger:          logger.With(zap.String("component", "api-server")),
		maxBody:         8 << 20,
		shutdownTimeout: 10 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBody <= 0 {
		return nil, fmt.Errorf("%w: max body bytes must be positive", errs.ErrConfig)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/batch_predict", s.handleBatchPredict)
	mux.HandleFunc("/model_info", s.handleModelInfo)

	s.server = &http.Server{
		Handler:           s.withRequestID(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe listens on bind and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()
	s.logger.Info("api server listening", zap.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		started := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.logger.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:      "healthy",
		ModelLoaded: true,
		ModelID:     s.svc.Info().ID,
		Timestamp:   s.now().UTC(),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, ModelInfoResponse{ModelLoaded: true, ModelInfo: s.svc.Info()})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var rows []map[string]float64
	var err error
	switch body[0] {
	case '[':
		err = json.Unmarshal(body, &rows)
	case '{':
		var row map[string]float64
		err = json.Unmarshal(body, &row)
		rows = []map[string]float64{row}
	default:
		err = errors.New("expected a JSON object or array")
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	if len(rows) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "No input data provided")
		return
	}

	scores, ok := s.score(w, r, rows)
	if !ok {
		return
	}
	ts := s.now().UTC()
	preds := make([]Prediction, len(scores))
	for i, sc := range scores {
		preds[i] = Prediction{RowScore: sc, Timestamp: ts}
	}
	s.writeJSON(w, r, http.StatusOK, PredictResponse{
		Predictions: preds,
		Status:      "success",
		RequestID:   requestID(r.Context()),
	})
}

func (s *Server) handleBatchPredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	if len(req.BatchData) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "No batch data provided")
		return
	}

	scores, ok := s.score(w, r, req.BatchData)
	if !ok {
		return
	}
	out := make([]BatchPrediction, len(scores))
	for i, sc := range scores {
		out[i] = BatchPrediction{RowID: i, RowScore: sc}
	}
	s.writeJSON(w, r, http.StatusOK, BatchResponse{
		Predictions:    out,
		TotalProcessed: len(out),
		Status:         "success",
		RequestID:      requestID(r.Context()),
	})
}

// readBody reads a size-capped, non-empty body. On failure it has already
// written the response.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		s.writeError(w, r, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		s.writeError(w, r, http.StatusBadRequest, "No input data provided")
		return nil, false
	}
	return body, true
}

func (s *Server) score(w http.ResponseWriter, r *http.Request, rows []map[string]float64) ([]cascade.RowScore, bool) {
	scores, err := s.svc.ScoreRows(r.Context(), rows)
	switch {
	case err == nil:
		return scores, true
	case errors.Is(err, errs.ErrDataIntegrity):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("prediction failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, r, status, ErrorResponse{Error: message, RequestID: requestID(r.Context())})
}
