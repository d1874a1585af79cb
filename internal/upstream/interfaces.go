package upstream

import (
	"context"
	"errors"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

var (
	ErrSessionClosed = errors.New("upstream session closed")
	ErrOpenRejected  = errors.New("upstream rejected settings")
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventAudio
)

// Event is one frame received from the agent. Payload is the raw frame; for
// EventMessage, Type is its decoded type field.
type Event struct {
	Kind    EventKind
	Type    protocol.AgentMessageType
	Payload []byte
}

// Session is an open agent connection. Events is closed once the connection
// stops delivering frames.
type Session interface {
	SendJSON(ctx context.Context, v any) error
	SendAudio(ctx context.Context, data []byte) error
	Events() <-chan Event
	Close(ctx context.Context) error
}

// Provider opens agent sessions. Open returns only after the agent accepted the
// settings.
type Provider interface {
	Open(ctx context.Context, settings protocol.AgentSettings) (Session, error)
}
