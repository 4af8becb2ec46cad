package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/clock/system"
	"github.com/JakeFAU/render-proxy/internal/config"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/proxy"
)

//go:embed static/index.html
var indexHTML []byte

const (
	fetchErrorPrefix  = "Failed to fetch URL: "
	proxyErrorPrefix  = "Error fetching URL: "
	serverErrorPrefix = "Server error: "

	msgURLParamRequired = "URL parameter is required"
)

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router     chi.Router
	dispatcher proxy.Dispatcher
	idGen      proxy.IDGenerator
	clock      proxy.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	dispatcher proxy.Dispatcher,
	idGen proxy.IDGenerator,
	clock proxy.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/", s.index)
	r.Post("/fetch", s.fetchURL)
	r.Get("/health", s.health)
	if cfg.Mode() == proxy.ModeRender {
		r.Get("/proxy", s.proxyPage)
	}
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(indexHTML); err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("write landing page failed", zap.Error(err))
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: system.EpochSeconds(s.clock.Now()),
	})
}

// fetchURL always answers 200; failures are reported in the body. Worker
// results are returned as produced; only dispatch failures get a prefix.
func (s *Server) fetchURL(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("invalid fetch body", zap.Error(err))
		req = fetchRequest{}
	}
	target, err := proxy.NormalizeURL(req.URL)
	if err != nil {
		s.writeJSON(w, r, http.StatusOK, proxy.ResultFromError(err))
		return
	}

	result, err := s.dispatcher.Submit(r.Context(), proxy.FetchRequest{
		URL:       target,
		RequestID: requestIDFrom(r),
	})
	if err != nil {
		logger.Warn("dispatch failed", zap.String("url", target), zap.Error(err))
		s.writeJSON(w, r, http.StatusOK, proxy.Failed(fetchErrorPrefix+err.Error()))
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) proxyPage(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)

	target, err := proxy.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		writeText(w, http.StatusBadRequest, msgURLParamRequired)
		return
	}

	result, err := s.dispatcher.Submit(r.Context(), proxy.FetchRequest{
		URL:       target,
		RequestID: requestIDFrom(r),
	})
	if err != nil {
		logger.Error("dispatch failed", zap.String("url", target), zap.Error(err))
		writeText(w, http.StatusInternalServerError, serverErrorPrefix+err.Error())
		return
	}
	if !result.Success {
		writeText(w, http.StatusBadRequest, proxyErrorPrefix+result.Error)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, result.HTML); err != nil {
		logger.Warn("write proxied markup failed", zap.Error(err))
	}
}

type fetchRequest struct {
	URL string `json:"url"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := s.newRequestID()
		w.Header().Set("X-Request-ID", reqID)
		ctx := r.Context()
		ctx = withRequestID(ctx, reqID)
		ctx = logging.IntoContext(ctx, s.logger.With(zap.String("request_id", reqID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) newRequestID() string {
	if s.idGen != nil {
		if id, err := s.idGen.NewID(); err == nil && id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), s.logger).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int("bytes", ww.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.FromContext(r.Context(), s.logger).Error("panic recovered",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeText(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(r.Context(), s.logger).Error("write JSON failed", zap.Error(err))
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
