package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/enhance-gateway/internal/auth"
	"github.com/tokligence/enhance-gateway/internal/enhance"
	"github.com/tokligence/enhance-gateway/internal/fieldctx"
	"github.com/tokligence/enhance-gateway/internal/httpserver/protocol"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// maxBodyBytes bounds enhancement request bodies.
const maxBodyBytes = 1 << 20

type enhanceEndpoint struct {
	server *Server
}

func newEnhanceEndpoint(server *Server) protocol.Endpoint {
	return &enhanceEndpoint{server: server}
}

func (e *enhanceEndpoint) Name() string { return "enhance" }

func (e *enhanceEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/enhance", Handler: http.HandlerFunc(s.handleEnhance), Name: "enhance", Permission: auth.PermEnhanceCreate},
		{Method: http.MethodGet, Path: "/stream/{sessionId}", Handler: http.HandlerFunc(s.handleStream), Name: "stream", Permission: auth.PermStreamAccess},
		{Method: http.MethodGet, Path: "/session/{sessionId}", Handler: http.HandlerFunc(s.handleGetSession), Name: "get_session", Permission: auth.PermSessionView},
		{Method: http.MethodDelete, Path: "/session/{sessionId}", Handler: http.HandlerFunc(s.handleCancelSession), Name: "cancel_session", Permission: auth.PermSessionManage},
		{Method: http.MethodGet, Path: "/usage", Handler: http.HandlerFunc(s.handleUsage), Name: "usage", Permission: auth.PermUsageView},
	}
}

type enhanceRequest struct {
	Text           string         `json:"text"`
	Action         session.Action `json:"action"`
	Backend        string         `json:"backend,omitempty"`
	Context        requestContext `json:"context"`
	IncludeContext []string       `json:"includeContext,omitempty"`
	CustomPrompt   string         `json:"customPrompt,omitempty"`
	Tone           string         `json:"tone,omitempty"`
}

type requestContext struct {
	FieldType string         `json:"fieldType"`
	EntityID  string         `json:"entityId,omitempty"`
	FieldID   string         `json:"fieldId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type rateLimitInfo struct {
	Remaining int `json:"remaining"`
}

type enhanceResponse struct {
	enhance.CreateResult
	RateLimit *rateLimitInfo `json:"rateLimit,omitempty"`
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var body enhanceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(body.Context.FieldType) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("context.fieldType is required"))
		return
	}

	id := identityFromContext(r.Context())
	result, err := s.service.CreateSession(r.Context(), enhance.CreateRequest{
		OwnerID: id.Subject,
		Text:    body.Text,
		Action:  body.Action,
		Backend: strings.ToLower(strings.TrimSpace(body.Backend)),
		Context: session.FieldContext{
			FieldType: body.Context.FieldType,
			EntityID:  body.Context.EntityID,
			FieldID:   body.Context.FieldID,
			Metadata:  body.Context.Metadata,
		},
		IncludeContext: body.IncludeContext,
		CustomPrompt:   body.CustomPrompt,
		Tone:           body.Tone,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	resp := enhanceResponse{CreateResult: result}
	if s.limiter != nil {
		resp.RateLimit = &rateLimitInfo{Remaining: int(s.limiter.Remaining(r.Context(), id.Subject))}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleStream hands the connection to the orchestrator, which reports every failure as an
// event on the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	conn, err := sse.NewHTTPConn(w, r)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	id := identityFromContext(r.Context())
	requester := enhance.Requester{
		ID:          id.Subject,
		Permissions: fieldctx.Permissions{CanViewFinancials: id.Has(auth.PermViewFinancials)},
	}
	if err := s.service.StreamSession(r.Context(), sessionID, requester, conn); err != nil {
		s.debugf("stream %s ended with error: %v", sessionID, err)
	}
	_ = conn.Close()
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.GetSession(r.Context(), chi.URLParam(r, "sessionId"), identityFromContext(r.Context()).Subject)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.CancelSession(r.Context(), chi.URLParam(r, "sessionId"), identityFromContext(r.Context()).Subject)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Usage(r.Context(), identityFromContext(r.Context()).Subject)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}
