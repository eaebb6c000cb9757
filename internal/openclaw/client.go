// Package openclaw implements the relay client for the remote
// OpenClaw/Moltworker agent gateway. Each conversation turn becomes
// exactly one POST to the gateway's chat-completions endpoint — no retry
// loop, one timeout-bounded attempt — and every outcome is mapped to the
// typed error taxonomy in errors.go.
package openclaw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/moltworker/moltbridge/internal/config"
	"github.com/moltworker/moltbridge/internal/httpkit"
)

const (
	chatCompletionsPath = "/v1/chat/completions"

	// model is a fixed label; the gateway routes to its configured agent
	// regardless of the value, but the field is required on the wire.
	model = "openclaw"

	// DefaultTurnTimeout bounds one relayed conversation turn, including
	// the full streamed response.
	DefaultTurnTimeout = 60 * time.Second

	// ProbeTimeout bounds the connectivity/auth probe used during setup.
	ProbeTimeout = 10 * time.Second
)

// Client is the relay client for one configured gateway. It is immutable
// after construction; per-agent values (agent id, session key) travel with
// each call rather than living on the client.
type Client struct {
	baseURL     string
	apiKey      string
	cfID        string
	cfSecret    string
	turnTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a relay client from the upstream connection config.
// The underlying HTTP client has no overall timeout — streamed responses
// can be long-lived — so every call derives a per-turn deadline instead.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	// The gateway can take a while before sending headers when the agent
	// is thinking, so stretch the response header timeout well past the
	// transport default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = DefaultTurnTimeout

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
	}
	if !cfg.SSLVerified() {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.OpenClawURL, "/"),
		apiKey:      cfg.APIKey,
		cfID:        cfg.CFAccessClientID,
		cfSecret:    cfg.CFAccessClientSecret,
		turnTimeout: DefaultTurnTimeout,
		httpClient:  httpkit.NewClient(opts...),
		logger:      logger.With("component", "openclaw"),
	}
}

// SetTurnTimeout overrides the per-turn deadline. Used by tests and the
// one-shot CLI; zero restores the default.
func (c *Client) SetTurnTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTurnTimeout
	}
	c.turnTimeout = d
}

// Message is one entry in the relayed conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// ResponseFormat requests structured output from the gateway (AI-task mode).
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names and carries the adjusted schema for structured output.
type JSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// Usage reports token accounting from the gateway.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	User           string          `json:"user,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// streamChunk is one SSE data payload from the gateway.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// ChatCall is one relayed turn.
type ChatCall struct {
	Messages []Message
	User     string // caller identity forwarded in the request body

	// Per-agent routing headers.
	AgentID    string
	SessionKey string

	// Optional structured-output request (AI-task mode).
	ResponseFormat *ResponseFormat
}

// ChatResult is the gateway's answer to one turn.
type ChatResult struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// StreamCallback receives reply tokens as they arrive. May be nil.
type StreamCallback func(token string)

// Chat relays one conversation turn and streams the reply. The call is a
// single attempt bounded by the turn timeout; all failures come back as
// *AuthError, *UnavailableError, *UpstreamError, or *TokenLimitError.
func (c *Client) Chat(ctx context.Context, call ChatCall, callback StreamCallback) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.turnTimeout)
	defer cancel()

	body := chatRequest{
		Model:          model,
		Messages:       call.Messages,
		Stream:         true,
		User:           call.User,
		ResponseFormat: call.ResponseFormat,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("relaying turn",
		"messages", len(call.Messages),
		"agent_id", call.AgentID,
		"structured", call.ResponseFormat != nil,
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, call.AgentID, call.SessionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed", "error", err)
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("gateway error response", "status", resp.StatusCode)
		return nil, statusError(resp.StatusCode, errBody)
	}

	result, err := c.readStream(ctx, resp.Body, callback)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("turn complete",
		"finish_reason", result.FinishReason,
		"total_tokens", result.Usage.TotalTokens,
		"reply_len", len(result.Content),
	)
	return result, nil
}

// Probe validates connectivity and credentials with a minimal request.
// The gateway has no dedicated health endpoint, so a deliberately empty
// chat request is sent: 401/403 means bad credentials, a connection or
// timeout failure means unreachable, and anything else — including a 400
// for the empty payload — means the gateway is up and the token works.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	jsonData, err := json.Marshal(chatRequest{Model: model, Messages: []Message{}})
	if err != nil {
		return fmt.Errorf("marshal probe: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	c.setHeaders(req, config.DefaultAgentID, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode}
	}
	return nil
}

// setHeaders applies the auth and routing headers to an outbound request.
// The Authorization header is unconditional; CF Access and session headers
// are set only when configured.
func (c *Client) setHeaders(req *http.Request, agentID, sessionKey string) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	if c.cfID != "" {
		req.Header.Set("CF-Access-Client-Id", c.cfID)
	}
	if c.cfSecret != "" {
		req.Header.Set("CF-Access-Client-Secret", c.cfSecret)
	}

	if agentID != "" {
		req.Header.Set("x-openclaw-agent-id", agentID)
	}
	if sessionKey != "" {
		req.Header.Set("x-openclaw-session-key", sessionKey)
	}
}

// readStream consumes the SSE response. Chunks arrive as "data: {...}"
// lines terminated by "data: [DONE]"; malformed chunks are skipped.
func (c *Client) readStream(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResult, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content strings.Builder
		usage   Usage
		finish  string
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callback != nil {
				callback(choice.Delta.Content)
			}
		}

		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if finish == "stop" {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		// A deadline firing mid-stream surfaces here as a read error.
		if ctx.Err() != nil {
			return nil, &UnavailableError{Err: ctx.Err()}
		}
		return nil, &UnavailableError{Err: fmt.Errorf("read stream: %w", err)}
	}

	if finish == "length" {
		return nil, &TokenLimitError{Tokens: usage.TotalTokens}
	}

	return &ChatResult{
		Content:      content.String(),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}
