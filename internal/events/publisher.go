package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pgvoice/voiceagent/internal/conversation"
)

// SubjectConversationSaved is published after a conversation is persisted.
const SubjectConversationSaved = "voiceagent.conversation.saved"

type ConversationSaved struct {
	ConversationID int64     `json:"conversation_id"`
	BridgeID       string    `json:"bridge_id"`
	StartedAt      time.Time `json:"started_at"`
	Duration       int       `json:"duration"`
	Purpose        string    `json:"purpose,omitempty"`
	LeadCreated    bool      `json:"lead_created"`
	ToolCalls      []string  `json:"tool_calls"`
}

func NewConversationSaved(id int64, bridgeID string, rec conversation.Record) ConversationSaved {
	tools := append([]string{}, rec.ToolCalls...)
	return ConversationSaved{
		ConversationID: id,
		BridgeID:       bridgeID,
		StartedAt:      rec.StartedAt.UTC(),
		Duration:       rec.Duration,
		Purpose:        string(rec.Purpose),
		LeadCreated:    rec.LeadCreated,
		ToolCalls:      tools,
	}
}

// Publisher emits conversation lifecycle notifications. Delivery is best
// effort.
type Publisher interface {
	PublishConversationSaved(ctx context.Context, ev ConversationSaved) error
	Close()
}

type Noop struct{}

func (Noop) PublishConversationSaved(context.Context, ConversationSaved) error { return nil }
func (Noop) Close()                                                            {}

type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSPublisher(url, token string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	opts := []nats.Option{
		nats.Name("voiceagent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

func (p *NATSPublisher) PublishConversationSaved(ctx context.Context, ev ConversationSaved) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := p.conn.Publish(SubjectConversationSaved, payload); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectConversationSaved, err)
	}
	return nil
}

// Close flushes pending messages before disconnecting.
func (p *NATSPublisher) Close() {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn("nats flush failed", "error", err)
	}
	p.conn.Close()
}
