package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/enhance-gateway/internal/health"
	"github.com/tokligence/enhance-gateway/internal/httpserver/protocol"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	routes := []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
	if e.server.metrics != nil {
		routes = append(routes, protocol.EndpointRoute{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metrics.Handler()})
	}
	return routes
}

// HandleHealth reports component health; unhealthy answers 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":    health.StatusHealthy,
			"timestamp": time.Now().UTC(),
		})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, report)
}
