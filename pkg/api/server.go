package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/instance"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/types"
)

// ServerConfig tunes the HTTP server
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server exposes the facade over HTTP
type Server struct {
	cfg    ServerConfig
	svc    *Service
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP server and registers all routes
func NewServer(cfg ServerConfig, svc *Service) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.instrument(s.mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/instances", s.handleCreate)
	s.mux.HandleFunc("GET /v1/instances", s.handleList)
	s.mux.HandleFunc("GET /v1/instances/{id}", s.handleGet)
	s.mux.HandleFunc("POST /v1/instances/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/instances/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/instances/{id}/touch", s.handleTouch)
	s.mux.HandleFunc("DELETE /v1/instances/{id}", s.handleDelete)

	s.mux.HandleFunc("POST /v1/sync", s.handleSync)
	s.mux.HandleFunc("POST /v1/auto-stop", s.handleAutoStop)
	s.mux.HandleFunc("POST /v1/migrations", s.handleMigration)
	s.mux.HandleFunc("GET /v1/health", s.handleServiceHealth)

	s.mux.HandleFunc("GET /health", s.handleLiveness)
	s.mux.HandleFunc("GET /ready", s.handleReadiness)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Start runs the listener; blocks until shutdown or failure
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// instrument tags each request with an ID and records request metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		took := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(took.Seconds())
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sw.status).Dur("took", took).Str("request_id", requestID).
			Msg("request handled")
	})
}

type requestIDKey struct{}

// RequestID returns the request ID tagged on ctx, or empty
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// errorBody is the stable envelope for all error responses
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	body := errorBody{Error: errorDetail{
		Code:      errdefs.Code(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: RequestID(r.Context()),
	}}
	if status >= 500 {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, out interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return errdefs.Validationf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req instance.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.CreateInstance(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := instance.ListOptions{
		Source: instance.ListSource(q.Get("source")),
		Status: types.InstanceStatus(q.Get("status")),
	}
	if v := q.Get("syncLocal"); v != "" {
		syncLocal, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, errdefs.Validationf("syncLocal must be a boolean, got %q", v))
			return
		}
		opts.SyncLocal = syncLocal
	}

	result, err := s.svc.ListInstances(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.StartInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.StopInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type touchRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type touchResponse struct {
	InstanceID string    `json:"instanceId"`
	LastUsed   time.Time `json:"lastUsed"`
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	instanceID := r.PathValue("id")
	at, err := s.svc.TouchLastUsed(r.Context(), instanceID, req.Timestamp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, touchResponse{InstanceID: instanceID, LastUsed: at})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if err := s.svc.DeleteInstance(r.Context(), instanceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instanceId": instanceID, "deleted": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.svc.TriggerSync(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.TriggerAutoStop(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.TriggerMigration(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
