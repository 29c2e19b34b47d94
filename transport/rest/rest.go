// Package rest serves the orchestration API over HTTP under /api/v1.
// It is a thin adapter: request decoding, principal extraction and
// status-code mapping live here, everything else is the engine's.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/transport"
	"github.com/nwbforge/orchestrator/workflow"
	"github.com/nwbforge/orchestrator/workflow/events"
)

// maxBodyBytes bounds request bodies; submitted metadata and provided
// input are small JSON documents.
const maxBodyBytes = 4 * 1024 * 1024

// Server exposes an Orchestrator over HTTP.
type Server struct {
	orc         transport.Orchestrator
	logger      *zap.Logger
	addr        string
	corsOrigins []string

	router chi.Router
	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address for ListenAndServe.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCORSOrigins restricts cross-origin callers. Empty means any
// origin, without credentials.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// New creates an HTTP server for the orchestrator.
func New(orc transport.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orc:    orc,
		logger: zap.NewNop(),
		addr:   ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: the events route streams until the session
	// reaches a terminal state.
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http transport listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http transport stopping")
		return s.server.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(s.corsOptions()))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversions", s.handleSubmit)
		r.Get("/conversions", s.handleList)
		r.Get("/conversions/{id}", s.handleStatus)
		r.Post("/conversions/{id}/resume", s.handleResume)
		r.Delete("/conversions/{id}", s.handleCancel)
		r.Post("/conversions/{id}/input", s.handleInput)
		r.Get("/conversions/{id}/provenance", s.handleProvenance)
		r.Get("/conversions/{id}/events", s.handleEvents)
		r.Post("/validations", s.handleValidate)
		r.Get("/health", s.handleHealth)
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	origins := s.corsOrigins
	allowCredentials := true
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		origins = []string{"*"}
		allowCredentials = false
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", transport.PrincipalHeader},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req workflow.SubmitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if p := r.Header.Get(transport.PrincipalHeader); p != "" {
		req.Principal = p
	}
	id, err := s.orc.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	input, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, transport.BadRequest("failed to read input payload: %v", err))
		return
	}
	if len(bytes.TrimSpace(input)) == 0 {
		s.writeError(w, r, transport.BadRequest("input payload is required"))
		return
	}
	if err := s.orc.ProvideInput(r.Context(), chi.URLParam(r, "id"), input); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAck(w)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req workflow.StandaloneValidation
	if !s.decodeBody(w, r, &req) {
		return
	}
	report, err := s.orc.ValidateStandalone(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := workflow.Filter{
		Principal:   r.Header.Get(transport.PrincipalHeader),
		WorkflowRef: r.URL.Query().Get("workflow"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, r, transport.BadRequest("limit must be a non-negative integer, got %q", v))
			return
		}
		f.Limit = limit
	}
	for _, raw := range r.URL.Query()["state"] {
		st := workflow.State(raw)
		if !st.Valid() {
			s.writeError(w, r, transport.BadRequest("unknown state %q", raw))
			return
		}
		f.States = append(f.States, st)
	}
	rows, err := s.orc.ListSessions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []workflow.Summary{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]workflow.Summary{"sessions": rows})
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	format := workflow.ProvTurtle
	if strings.Contains(r.Header.Get("Accept"), string(workflow.ProvJSONLD)) {
		format = workflow.ProvJSONLD
	}
	// Buffered so a serialization failure can still produce an error
	// status instead of a truncated document.
	var buf bytes.Buffer
	if err := s.orc.WriteProvenance(r.Context(), chi.URLParam(r, "id"), format, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", string(format)+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleEvents streams the session's events as newline-delimited JSON
// until the terminal event or client disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, transport.BadRequest("from must be a sequence number, got %q", v))
			return
		}
		from = parsed
	}
	sub, err := s.orc.SubscribeEvents(r.Context(), chi.URLParam(r, "id"), from)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, workflow.Errf(workflow.KindInternal, "response writer does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					// Stream already started; report overflow as a
					// final error line.
					_ = enc.Encode(map[string]transport.WireError{"error": transport.WireErrorFrom(err)})
				}
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
			if e.Kind == events.KindCompleted {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, transport.BadRequest("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeAck(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, `{"error":{"kind":"internal","message":"encoding failure"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	we := transport.WireErrorFrom(err)
	code := transport.StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", we.Kind),
			zap.Error(err))
	}
	s.writeJSON(w, code, map[string]transport.WireError{"error": we})
}
