package homeassistant

import (
	"context"
	"log/slog"
	"time"

	"github.com/moltworker/moltbridge/internal/agent"
)

// EventConversationFinished is fired on the Home Assistant bus after
// every completed conversation turn.
const EventConversationFinished = "moltbridge_conversation_finished"

// eventFirer is satisfied by both Client and WSClient.
type eventFirer interface {
	FireEvent(ctx context.Context, eventType string, data any) error
}

// Notifier implements agent.Callbacks on top of the REST client, with an
// optional WebSocket client for event firing. Callback failures are
// logged and swallowed — a broken side channel must never fail a turn.
type Notifier struct {
	rest   *Client
	events eventFirer
	logger *slog.Logger
}

// NewNotifier builds a Notifier. ws may be nil, in which case events go
// through the REST endpoint.
func NewNotifier(rest *Client, ws *WSClient, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	var events eventFirer = rest
	if ws != nil {
		events = ws
	}
	return &Notifier{
		rest:   rest,
		events: events,
		logger: logger.With("component", "notifier"),
	}
}

// LocationName implements agent.Callbacks.
func (n *Notifier) LocationName(ctx context.Context) string {
	return n.rest.LocationName(ctx)
}

// ConversationFinished implements agent.Callbacks.
func (n *Notifier) ConversationFinished(ctx context.Context, ev agent.FinishedEvent) {
	// Detach from the turn's deadline; the turn is already done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := n.events.FireEvent(ctx, EventConversationFinished, ev); err != nil {
		n.logger.Warn("failed to fire conversation-finished event", "error", err)
	}
}
