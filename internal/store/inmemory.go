package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	conversations []conversation.Record
	agencies      map[uuid.UUID]Agency
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{agencies: make(map[uuid.UUID]Agency)}
}

func (s *InMemoryStore) SaveConversation(_ context.Context, rec conversation.Record) (int64, error) {
	rec = cloneRecord(rec)
	if rec.LeadCreated && rec.Lead != nil && rec.LeadID == nil {
		id := uuid.New()
		rec.LeadID = &id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.conversations = append(s.conversations, rec)
	return rec.ID, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id int64) (conversation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.conversations {
		if rec.ID == id {
			return cloneRecord(rec), nil
		}
	}
	return conversation.Record{}, ErrNotFound
}

// ListConversations returns newest first.
func (s *InMemoryStore) ListConversations(_ context.Context, limit, offset int) ([]conversation.Record, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Record, 0, limit)
	for i := len(s.conversations) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRecord(s.conversations[i]))
	}
	return out, nil
}

func (s *InMemoryStore) PutAgency(_ context.Context, agency Agency) error {
	if agency.ID == uuid.Nil {
		agency.ID = uuid.New()
	}
	s.mu.Lock()
	s.agencies[agency.ID] = agency
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) AgencySettings(_ context.Context, agencyID uuid.UUID) (protocol.AgentSettings, error) {
	s.mu.RLock()
	agency, ok := s.agencies[agencyID]
	s.mu.RUnlock()
	if !ok {
		return protocol.AgentSettings{}, ErrNotFound
	}
	// Round-trip so callers cannot mutate the stored slices.
	raw, err := json.Marshal(agency.Settings)
	if err != nil {
		return protocol.AgentSettings{}, err
	}
	var out protocol.AgentSettings
	if err := json.Unmarshal(raw, &out); err != nil {
		return protocol.AgentSettings{}, err
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func cloneRecord(rec conversation.Record) conversation.Record {
	rec.ToolCalls = append([]string(nil), rec.ToolCalls...)
	transcript := make([]json.RawMessage, len(rec.Transcript))
	for i, entry := range rec.Transcript {
		transcript[i] = append(json.RawMessage(nil), entry...)
	}
	rec.Transcript = transcript
	if rec.Lead != nil {
		lead := *rec.Lead
		rec.Lead = &lead
	}
	if rec.LeadID != nil {
		id := *rec.LeadID
		rec.LeadID = &id
	}
	return rec
}
