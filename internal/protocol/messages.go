package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageType identifies client websocket payload variants.
type MessageType string

const (
	TypeStart           MessageType = "start"
	TypeFinish          MessageType = "finish"
	TypeSettingsApplied MessageType = "settings_applied"
	TypeError           MessageType = "error"
)

var (
	ErrInvalidMessage  = errors.New("invalid client message")
	ErrUnsupportedType = errors.New("unsupported message type")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// DevOptions overrides the speak configuration when a session starts in
// diagnostic mode.
type DevOptions struct {
	VoiceModel string `json:"voice_model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	VoiceID    string `json:"voice_id,omitempty"`
}

type ClientMessage struct {
	Type       MessageType `json:"type"`
	ClientID   *uuid.UUID  `json:"client_id,omitempty"`
	DevMode    bool        `json:"dev_mode,omitempty"`
	DevOptions *DevOptions `json:"dev_options,omitempty"`
}

// Ack is the only shape the server sends to the client as JSON of its own.
type Ack struct {
	Type   MessageType `json:"type"`
	Detail string      `json:"detail,omitempty"`
}

func SettingsAppliedAck() Ack {
	return Ack{Type: TypeSettingsApplied}
}

func ErrorAck(detail string) Ack {
	return Ack{Type: TypeError, Detail: detail}
}

// ParseClientMessage decodes a text frame. Unknown types are returned together
// with ErrUnsupportedType so callers can echo the offending type back.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = MessageType(strings.TrimSpace(string(msg.Type)))
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	switch msg.Type {
	case TypeStart, TypeFinish:
		return msg, nil
	default:
		return msg, ErrUnsupportedType
	}
}
