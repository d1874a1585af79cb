package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

var ErrNotFound = errors.New("not found")

const DefaultListLimit = 20

// Agency is a tenant whose agent configuration is stored with it.
type Agency struct {
	ID                uuid.UUID              `json:"id"`
	AssistantName     string                 `json:"assistant_name"`
	AgencyName        string                 `json:"agency_name"`
	AgencyLocation    string                 `json:"agency_location"`
	AgencyTimezone    string                 `json:"agency_timezone"`
	AgencyDescription string                 `json:"agency_description"`
	Settings          protocol.AgentSettings `json:"settings"`
}

// Store persists finished conversations and serves agency configuration.
type Store interface {
	SaveConversation(ctx context.Context, rec conversation.Record) (int64, error)
	GetConversation(ctx context.Context, id int64) (conversation.Record, error)
	ListConversations(ctx context.Context, limit, offset int) ([]conversation.Record, error)
	AgencySettings(ctx context.Context, agencyID uuid.UUID) (protocol.AgentSettings, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
