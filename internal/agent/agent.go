// Package agent orchestrates conversation turns: it renders the system
// prompt, assembles history, relays the turn to the gateway, and persists
// the outcome. One Agent per configured conversation agent; all fields
// are set at construction and never mutated, so turns need no locking.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"unicode"

	"github.com/google/uuid"

	"github.com/moltworker/moltbridge/internal/config"
	"github.com/moltworker/moltbridge/internal/memory"
	"github.com/moltworker/moltbridge/internal/openclaw"
	"github.com/moltworker/moltbridge/internal/schema"
)

// FinishedEvent is the payload fired to Home Assistant after each
// completed conversation turn.
type FinishedEvent struct {
	Agent          string `json:"agent"`
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	TotalTokens    int    `json:"total_tokens"`
}

// Callbacks is the optional Home Assistant side-channel. Defined here so
// the agent package does not import the homeassistant client, keeping the
// dependency one-directional.
type Callbacks interface {
	// LocationName returns the installation's configured name for prompt
	// rendering ("Home" when unknown).
	LocationName(ctx context.Context) string

	// ConversationFinished fires the conversation-finished event on the
	// Home Assistant bus. Failures are logged, never surfaced to the user.
	ConversationFinished(ctx context.Context, ev FinishedEvent)
}

// PromptVars are the fields available to prompt templates.
type PromptVars struct {
	HAName            string
	HAMCPURL          string
	DeviceID          string
	ExtraSystemPrompt string
}

// Turn is one inbound conversation request. Ephemeral — built per
// request, discarded after the relay completes.
type Turn struct {
	Text              string
	ConversationID    string
	Language          string
	DeviceID          string
	ExtraSystemPrompt string
}

// Task is one inbound AI-task request for structured data generation.
type Task struct {
	Name         string
	Instructions string
	Structure    map[string]any // nil for free-form text tasks
}

// Result is the tagged success outcome of a turn: reply text for
// conversation mode, structured data for AI-task mode.
type Result struct {
	ConversationID string
	Reply          string
	Data           any
	Usage          openclaw.Usage
}

// Agent relays turns for one configured conversation agent.
type Agent struct {
	cfg       config.AgentConfig
	prompt    *template.Template
	client    *openclaw.Client
	store     memory.Store
	callbacks Callbacks // may be nil
	logger    *slog.Logger
}

// New builds an Agent. The prompt template is parsed once here; a bad
// template is a configuration error, not a per-turn one.
func New(cfg config.AgentConfig, client *openclaw.Client, store memory.Store, callbacks Callbacks, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.New("prompt").Parse(cfg.Prompt)
	if err != nil {
		return nil, &config.ValidationError{Field: "prompt", Message: fmt.Sprintf("invalid template: %v", err)}
	}
	return &Agent{
		cfg:       cfg,
		prompt:    tmpl,
		client:    client,
		store:     store,
		callbacks: callbacks,
		logger:    logger.With("agent", cfg.Name),
	}, nil
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.cfg.Name }

// Process relays one conversation turn. Nothing is persisted until the
// gateway answers: on timeout or error the chat log is exactly as it was
// before the turn.
func (a *Agent) Process(ctx context.Context, turn Turn) (*Result, error) {
	conversationID := turn.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	systemPrompt, err := a.renderPrompt(ctx, turn.DeviceID, turn.ExtraSystemPrompt)
	if err != nil {
		return nil, err
	}

	history, err := a.store.History(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]openclaw.Message, 0, len(history)+2)
	messages = append(messages, openclaw.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		if m.Role == "system" {
			continue // replaced by the freshly rendered prompt
		}
		messages = append(messages, openclaw.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openclaw.Message{Role: "user", Content: turn.Text})

	res, err := a.client.Chat(ctx, openclaw.ChatCall{
		Messages:   messages,
		User:       a.cfg.Name,
		AgentID:    a.cfg.AgentID,
		SessionKey: a.cfg.SessionKey,
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := a.persistTurn(conversationID, systemPrompt, turn.Text, res); err != nil {
		return nil, err
	}

	if a.callbacks != nil {
		a.callbacks.ConversationFinished(ctx, FinishedEvent{
			Agent:          a.cfg.Name,
			ConversationID: conversationID,
			Reply:          res.Content,
			TotalTokens:    res.Usage.TotalTokens,
		})
	}

	return &Result{
		ConversationID: conversationID,
		Reply:          FlattenMarkdown(res.Content),
		Usage:          res.Usage,
	}, nil
}

// GenerateData relays one AI-task turn. Tasks are one-shot: the exchange
// is never written to the chat-log store.
func (a *Agent) GenerateData(ctx context.Context, task Task) (*Result, error) {
	conversationID := uuid.NewString()

	systemPrompt, err := a.renderPrompt(ctx, "", "")
	if err != nil {
		return nil, err
	}

	call := openclaw.ChatCall{
		Messages: []openclaw.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: task.Instructions},
		},
		User:       a.cfg.Name,
		AgentID:    a.cfg.AgentID,
		SessionKey: a.cfg.SessionKey,
	}

	var normalized map[string]any
	if task.Structure != nil {
		normalized = schema.Normalize(task.Structure)
		call.ResponseFormat = &openclaw.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openclaw.JSONSchema{
				Name:   slugify(task.Name),
				Strict: true,
				Schema: normalized,
			},
		}
	}

	res, err := a.client.Chat(ctx, call, nil)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ConversationID: conversationID,
		Usage:          res.Usage,
	}

	if task.Structure == nil {
		result.Reply = res.Content
		return result, nil
	}

	raw := json.RawMessage(res.Content)
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		a.logger.Error("structured response is not valid JSON", "error", err)
		return nil, &schema.MismatchError{Want: "valid JSON", Got: "unparseable text", Raw: raw}
	}
	if err := schema.Validate(data, normalized, raw); err != nil {
		return nil, err
	}

	result.Data = data
	return result, nil
}

// persistTurn writes the completed exchange and applies the context
// threshold. Only called after a successful relay.
func (a *Agent) persistTurn(conversationID, systemPrompt, userText string, res *openclaw.ChatResult) error {
	if err := a.store.SetSystemPrompt(conversationID, systemPrompt); err != nil {
		return fmt.Errorf("persist system prompt: %w", err)
	}
	if err := a.store.Append(conversationID, memory.Message{Role: "user", Content: userText}); err != nil {
		return fmt.Errorf("persist user turn: %w", err)
	}
	if err := a.store.Append(conversationID, memory.Message{Role: "assistant", Content: res.Content}); err != nil {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	if res.Usage.TotalTokens > a.cfg.ContextThreshold {
		a.logger.Info("context threshold exceeded, conversation history cleared",
			"conversation_id", conversationID,
			"total_tokens", res.Usage.TotalTokens,
			"threshold", a.cfg.ContextThreshold,
		)
		if err := a.store.TruncateClear(conversationID); err != nil {
			return fmt.Errorf("truncate history: %w", err)
		}
	}
	return nil
}

func (a *Agent) renderPrompt(ctx context.Context, deviceID, extra string) (string, error) {
	haName := "Home"
	if a.callbacks != nil {
		haName = a.callbacks.LocationName(ctx)
	}

	var b strings.Builder
	err := a.prompt.Execute(&b, PromptVars{
		HAName:            haName,
		HAMCPURL:          a.cfg.HAMCPURL,
		DeviceID:          deviceID,
		ExtraSystemPrompt: extra,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// slugify lowercases a task name and squeezes everything non-alphanumeric
// into single underscores, matching what the gateway accepts as a
// json_schema name.
func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
