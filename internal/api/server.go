// Package api exposes the HTTP interface for the page publishing service.
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

	"github.com/pagepress/pagepress/internal/config"
	"github.com/pagepress/pagepress/internal/metrics"
	"github.com/pagepress/pagepress/internal/orchestrator"
	"github.com/pagepress/pagepress/internal/pipeline"
)

// Pipeline is the slice of the orchestrator the API depends on.
type Pipeline interface {
	Publish(ctx context.Context, pageID string) error
	Delete(ctx context.Context, pageID string) error
}

// DomainVerifier checks that a hostname's DNS points at the edge.
type DomainVerifier interface {
	Verify(ctx context.Context, hostname string) (bool, error)
}

// Server wires HTTP handlers to the pipeline and stores.
type Server struct {
	router   chi.Router
	store    pipeline.PageStore
	pipe     Pipeline
	verifier DomainVerifier
	idGen    pipeline.IDGenerator
	clock    pipeline.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store pipeline.PageStore,
	pipe Pipeline,
	verifier DomainVerifier,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		pipe:     pipe,
		verifier: verifier,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/pages", func(r chi.Router) {
			r.Post("/", s.createPage)
			r.Route("/{page_id}", func(r chi.Router) {
				r.Get("/", s.getPage)
				r.Get("/publish-status", s.getPublishStatus)
				r.Delete("/", s.deletePage)
			})
		})
		r.Post("/domains/verify", s.verifyDomain)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Probe the store with a known-missing key; any error besides the
	// sentinel means the backend is unreachable.
	if _, err := s.store.GetPage(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, pipeline.ErrPageNotFound) {
		writeError(s.logger, w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type createPageRequest struct {
	OwnerID   string `json:"owner_id"`
	Type      string `json:"type"`
	Locale    string `json:"locale"`
	TargetURL string `json:"target_url"`
	SourceURL string `json:"source_url"`
	Hostname  string `json:"hostname"`
}

// createPageResponse tells the client where to poll and how persistently.
// The cadence comes from configuration so capture-time tuning reaches
// clients without a client release.
type createPageResponse struct {
	PageID         string `json:"page_id"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	PollLimit      int    `json:"poll_limit"`
}

// createPage validates synchronously, persists the draft record and queues
// the publish. The response returns before any capture work starts; clients
// follow the polling endpoint.
func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	pageType := pipeline.PageType(req.Type)
	if pageType != pipeline.PageTypePresell && pageType != pipeline.PageTypeReview {
		writeError(s.logger, w, http.StatusBadRequest, "type must be presell or review")
		return
	}
	if err := pipeline.ValidateURL(req.TargetURL); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "target_url must be a valid http(s) URL")
		return
	}
	targetURL, err := pipeline.NormalizeURL(req.TargetURL)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "target_url must be a valid http(s) URL")
		return
	}
	locale := req.Locale
	if locale == "" {
		locale = s.cfg.Render.DefaultLocale
	}

	pageID, err := s.idGen.NewID()
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "generate page id")
		return
	}
	now := s.clock.Now()
	page := pipeline.PageRecord{
		ID:            pageID,
		OwnerID:       req.OwnerID,
		Type:          pageType,
		Locale:        locale,
		TargetURL:     targetURL,
		SourceURL:     req.SourceURL,
		Hostname:      req.Hostname,
		Icon:          pipeline.PendingAsset(),
		PreviewWide:   pipeline.PendingAsset(),
		PreviewNarrow: pipeline.PendingAsset(),
		Status:        pipeline.PageStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePage(r.Context(), page); err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "create page")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.pipe.Publish(queueCtx, pageID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(s.logger, w, status, "queue publish")
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, createPageResponse{
		PageID:         pageID,
		PollIntervalMs: s.cfg.Capture.StatusPollMs,
		PollLimit:      s.cfg.Capture.StatusPollLimit,
	})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	page, err := s.store.GetPage(r.Context(), pageID)
	if err != nil {
		if errors.Is(err, pipeline.ErrPageNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "page not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "load page")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, page)
}

func (s *Server) getPublishStatus(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	page, err := s.store.GetPage(r.Context(), pageID)
	if err != nil {
		if errors.Is(err, pipeline.ErrPageNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "page not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "load page")
		return
	}
	deadline := s.cfg.CaptureCeiling() + s.cfg.GracePeriod()
	status := orchestrator.PublishStatusFor(page, s.clock.Now(), deadline)
	writeJSON(s.logger, w, http.StatusOK, status)
}

func (s *Server) deletePage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	if err := s.pipe.Delete(r.Context(), pageID); err != nil {
		if errors.Is(err, pipeline.ErrPageNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "page not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "delete page")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"page_id": pageID, "status": "deleted"})
}

type verifyDomainRequest struct {
	Hostname string `json:"hostname"`
	OwnerID  string `json:"owner_id"`
}

// verifyDomain runs the CNAME check and, on success, marks the domain
// serving. A domain that fails the check is recorded unverified so a later
// publish skips edge registration.
func (s *Server) verifyDomain(w http.ResponseWriter, r *http.Request) {
	var req verifyDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		writeError(s.logger, w, http.StatusBadRequest, "missing hostname")
		return
	}
	verified, err := s.verifier.Verify(r.Context(), req.Hostname)
	if err != nil {
		writeError(s.logger, w, http.StatusBadGateway, fmt.Sprintf("dns lookup failed: %v", err))
		return
	}
	domain := pipeline.DomainRecord{
		Hostname:  req.Hostname,
		OwnerID:   req.OwnerID,
		Verified:  verified,
		Active:    verified,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.UpsertDomain(r.Context(), domain); err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "store domain")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"hostname": req.Hostname,
		"verified": verified,
	})
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
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.L(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
