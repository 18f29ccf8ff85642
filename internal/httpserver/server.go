// Package httpserver exposes the enhancement service over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/enhance-gateway/internal/auth"
	"github.com/tokligence/enhance-gateway/internal/enhance"
	"github.com/tokligence/enhance-gateway/internal/health"
	"github.com/tokligence/enhance-gateway/internal/httpserver/protocol"
	"github.com/tokligence/enhance-gateway/internal/metrics"
	"github.com/tokligence/enhance-gateway/internal/ratelimit"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// DevUserID identifies requests without X-User-ID while auth is disabled.
const DevUserID = "dev-user"

// Orchestrator is the session service behind the API.
type Orchestrator interface {
	CreateSession(ctx context.Context, req enhance.CreateRequest) (enhance.CreateResult, error)
	StreamSession(ctx context.Context, sessionID string, requester enhance.Requester, conn sse.Conn) error
	GetSession(ctx context.Context, sessionID, requesterID string) (*session.Session, error)
	CancelSession(ctx context.Context, sessionID, requesterID string) (enhance.CancelResult, error)
	Usage(ctx context.Context, ownerID string) (enhance.UsageReport, error)
}

// Config wires a Server.
type Config struct {
	Service      Orchestrator
	Auth         *auth.Manager
	AuthDisabled bool
	Limiter      *ratelimit.Limiter // nil disables rate limiting
	Health       *health.Checker
	Metrics      *metrics.Collector
	Logger       *log.Logger
	LogLevel     string
}

// Server exposes REST and SSE endpoints for enhancement sessions.
type Server struct {
	service      Orchestrator
	auth         *auth.Manager
	authDisabled bool
	limiter      *ratelimit.Limiter
	health       *health.Checker
	metrics      *metrics.Collector
	logger       *log.Logger
	logLevel     string
}

type identityContextKey struct{}

// New constructs a Server. Auth must be set unless AuthDisabled is.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpserver: service required")
	}
	if cfg.Auth == nil && !cfg.AuthDisabled {
		return nil, errors.New("httpserver: auth manager required when auth is enabled")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		service:      cfg.Service,
		auth:         cfg.Auth,
		authDisabled: cfg.AuthDisabled,
		limiter:      cfg.Limiter,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		logLevel:     strings.ToLower(cfg.LogLevel),
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Route("/api/ai", func(api chi.Router) {
		api.Use(s.identify)
		if s.limiter != nil {
			limit := ratelimit.NewMiddleware(s.limiter, true, rateLimitKey, s.logger)
			if s.metrics != nil {
				limit.OnReject = s.metrics.RecordRateLimitHit
			}
			api.Use(limit.Wrap)
		}
		s.registerEndpoints(api, newEnhanceEndpoint(s))
	})
	s.registerEndpoints(r, newHealthEndpoint(s))
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.isDebug() {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	}
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			h := route.Handler
			if route.Permission != "" {
				h = s.requirePermission(route.Permission, h)
			}
			if route.Name != "" {
				h = s.instrument(route.Name, h)
			}
			r.Method(route.Method, route.Path, h)
		}
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("[DEBUG] "+format, args...)
	}
}

// identify resolves the requester: a bearer token, or X-User-ID while auth is disabled.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	if s.authDisabled {
		id := auth.Identity{
			Subject:     strings.TrimSpace(r.Header.Get("X-User-ID")),
			Permissions: auth.StandardPermissions(),
		}
		if id.Subject == "" {
			id.Subject = DevUserID
		}
		for _, p := range strings.Split(r.Header.Get("X-User-Permissions"), ",") {
			if p = strings.TrimSpace(p); p != "" {
				id.Permissions = append(id.Permissions, p)
			}
		}
		return id, nil
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.Identity{}, errors.New("missing bearer token")
	}
	id, err := s.auth.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return auth.Identity{}, errors.New("token expired")
		}
		return auth.Identity{}, errors.New("invalid token")
	}
	return id, nil
}

func identityFromContext(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityContextKey{}).(auth.Identity)
	return id
}

func rateLimitKey(r *http.Request) string {
	if id := identityFromContext(r.Context()); id.Subject != "" {
		return id.Subject
	}
	return r.RemoteAddr
}

func (s *Server) requirePermission(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFromContext(r.Context()).Has(perm) {
			s.respondError(w, http.StatusForbidden, errors.New("insufficient permissions"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request count, latency, in-flight gauge and 5xx errors under name.
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequestStart(name)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.metrics.RecordRequestEnd(name)
			s.metrics.RecordRequest(name, time.Since(start))
			if ww.Status() >= http.StatusInternalServerError {
				s.metrics.RecordError(name)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondServiceError maps orchestrator errors to a status. Internal details stay in the log.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := enhance.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Printf("[ERROR] httpserver: %s %s: %v", r.Method, r.URL.Path, err)
		s.respondError(w, status, errors.New("internal server error"))
		return
	}
	s.respondError(w, status, errors.New(enhance.PublicMessage(err)))
}
