// Package api implements the HTTP API that Home Assistant calls: one
// endpoint per platform (conversation, AI task) plus health and version.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/moltworker/moltbridge/internal/agent"
	"github.com/moltworker/moltbridge/internal/buildinfo"
	"github.com/moltworker/moltbridge/internal/config"
	"github.com/moltworker/moltbridge/internal/openclaw"
	"github.com/moltworker/moltbridge/internal/schema"
)

// Processor handles one agent's turns. Satisfied by *agent.Agent.
type Processor interface {
	Name() string
	Process(ctx context.Context, turn agent.Turn) (*agent.Result, error)
	GenerateData(ctx context.Context, task agent.Task) (*agent.Result, error)
}

// Server is the inbound HTTP API server.
type Server struct {
	address      string
	port         int
	agents       map[string]Processor
	defaultAgent string
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates the API server. The first processor is the default
// agent for requests that do not name one.
func NewServer(address string, port int, processors []Processor, logger *slog.Logger) *Server {
	agents := make(map[string]Processor, len(processors))
	defaultAgent := ""
	for i, p := range processors {
		if i == 0 {
			defaultAgent = p.Name()
		}
		agents[p.Name()] = p
	}
	return &Server{
		address:      address,
		port:         port,
		agents:       agents,
		defaultAgent: defaultAgent,
		logger:       logger,
	}
}

// Start begins serving HTTP requests. Blocks until the server is shut
// down or fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversation/process", s.handleConversation)
	mux.HandleFunc("POST /api/ai_task/generate_data", s.handleGenerateData)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Health check - matches root path only (not a prefix match)
	mux.HandleFunc("HEAD /{$}", s.handleHead)
	mux.HandleFunc("GET /{$}", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a relayed turn can take a while
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, letting active turns finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withLogging wraps an HTTP handler to log request details.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// conversationRequest mirrors Home Assistant's conversation input.
type conversationRequest struct {
	Text              string `json:"text"`
	ConversationID    string `json:"conversation_id"`
	Language          string `json:"language"`
	Agent             string `json:"agent"`
	DeviceID          string `json:"device_id"`
	ExtraSystemPrompt string `json:"extra_system_prompt"`
}

// conversationResponse is what the Home Assistant side turns into an
// intent response.
type conversationResponse struct {
	ConversationID       string        `json:"conversation_id"`
	Response             speechPayload `json:"response"`
	ContinueConversation bool          `json:"continue_conversation"`
}

type speechPayload struct {
	Speech string `json:"speech"`
}

// taskRequest mirrors Home Assistant's AI-task GenDataTask.
type taskRequest struct {
	TaskName     string         `json:"task_name"`
	Instructions string         `json:"instructions"`
	Structure    map[string]any `json:"structure"`
	Agent        string         `json:"agent"`
}

type taskResponse struct {
	ConversationID string `json:"conversation_id"`
	Data           any    `json:"data"`
}

// apiError is the error envelope for all non-2xx responses.
type apiError struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Raw     json.RawMessage `json:"raw,omitempty"`
	} `json:"error"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "text must not be empty", nil)
		return
	}

	proc, ok := s.lookup(req.Agent)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown_agent", fmt.Sprintf("no agent named %q", req.Agent), nil)
		return
	}

	result, err := proc.Process(r.Context(), agent.Turn{
		Text:              req.Text,
		ConversationID:    req.ConversationID,
		Language:          req.Language,
		DeviceID:          req.DeviceID,
		ExtraSystemPrompt: req.ExtraSystemPrompt,
	})
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	s.writeJSON(w, conversationResponse{
		ConversationID: result.ConversationID,
		Response:       speechPayload{Speech: result.Reply},
	})
}

func (s *Server) handleGenerateData(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Instructions == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "instructions must not be empty", nil)
		return
	}

	proc, ok := s.lookup(req.Agent)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown_agent", fmt.Sprintf("no agent named %q", req.Agent), nil)
		return
	}

	result, err := proc.GenerateData(r.Context(), agent.Task{
		Name:         req.TaskName,
		Instructions: req.Instructions,
		Structure:    req.Structure,
	})
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	data := result.Data
	if data == nil {
		data = result.Reply
	}
	s.writeJSON(w, taskResponse{
		ConversationID: result.ConversationID,
		Data:           data,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Debug("health check write failed", "error", err)
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookup(name string) (Processor, bool) {
	if name == "" {
		name = s.defaultAgent
	}
	p, ok := s.agents[name]
	return p, ok
}

// writeRelayError converts the typed relay taxonomy into HTTP error
// responses. Every failure kind has a stable code the Home Assistant
// side can translate into its own error surface.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	var authErr *openclaw.AuthError
	var unavailErr *openclaw.UnavailableError
	var upstreamErr *openclaw.UpstreamError
	var tokenErr *openclaw.TokenLimitError
	var mismatchErr *schema.MismatchError
	var validationErr *config.ValidationError

	switch {
	case errors.As(err, &authErr):
		s.writeError(w, http.StatusBadGateway, "invalid_auth", authErr.Error(), nil)
	case errors.As(err, &unavailErr):
		s.writeError(w, http.StatusBadGateway, "cannot_connect", unavailErr.Error(), nil)
	case errors.As(err, &tokenErr):
		s.writeError(w, http.StatusBadGateway, "token_limit", tokenErr.Error(), nil)
	case errors.As(err, &upstreamErr):
		s.writeError(w, http.StatusBadGateway, "upstream_error", upstreamErr.Error(), nil)
	case errors.As(err, &mismatchErr):
		s.writeError(w, http.StatusUnprocessableEntity, "schema_mismatch", mismatchErr.Error(), mismatchErr.Raw)
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, "invalid_config", validationErr.Error(), nil)
	default:
		s.logger.Error("unexpected relay failure", "error", err)
		s.writeError(w, http.StatusInternalServerError, "unknown", "something went wrong", nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, raw json.RawMessage) {
	var body apiError
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Raw = raw

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
