package conversation

import (
	"encoding/json"
	"sync"
	"time"
)

// Purpose is the reason for a call, derived from the calendar event type.
type Purpose string

const (
	PurposeUnset     Purpose = ""
	PurposeViewing   Purpose = "Viewing"
	PurposeValuation Purpose = "Valuation"
)

// LeadInfo is the contact captured by a successful appointment booking.
type LeadInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// State accumulates facts about one call. It is safe for concurrent use; the
// owning bridge is still its only writer.
type State struct {
	mu sync.Mutex

	startedAt   time.Time
	topic       string
	purpose     Purpose
	leadCreated bool
	toolCalls   []string
	toolSeen    map[string]struct{}
	transcript  []json.RawMessage
	lead        *LeadInfo
}

func NewState(startedAt time.Time) *State {
	return &State{
		startedAt: startedAt.UTC(),
		toolSeen:  make(map[string]struct{}),
	}
}

func (s *State) StartedAt() time.Time {
	return s.startedAt
}

// RecordToolCall adds name to the set of attempted tools. Repeats keep the
// first insertion position.
func (s *State) RecordToolCall(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toolSeen[name]; ok {
		return
	}
	s.toolSeen[name] = struct{}{}
	s.toolCalls = append(s.toolCalls, name)
}

// AppendTranscript stores an upstream transcript event as-is.
func (s *State) AppendTranscript(entry json.RawMessage) {
	cp := make(json.RawMessage, len(entry))
	copy(cp, entry)

	s.mu.Lock()
	s.transcript = append(s.transcript, cp)
	s.mu.Unlock()
}

// MarkLeadCreated sets the lead flag and its contact together. Only the first
// call has an effect.
func (s *State) MarkLeadCreated(info LeadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leadCreated {
		return
	}
	s.lead = &info
	s.leadCreated = true
}

// SetPurpose maps a calendar event type to a purpose. Unknown event types are
// ignored; a later known type overwrites an earlier one.
func (s *State) SetPurpose(eventType string) {
	var p Purpose
	switch eventType {
	case string(PurposeViewing):
		p = PurposeViewing
	case string(PurposeValuation):
		p = PurposeValuation
	default:
		return
	}
	s.mu.Lock()
	s.purpose = p
	s.mu.Unlock()
}

func (s *State) SetTopic(topic string) {
	s.mu.Lock()
	s.topic = topic
	s.mu.Unlock()
}

// Snapshot is a detached copy of the state.
type Snapshot struct {
	StartedAt   time.Time
	Topic       string
	Purpose     Purpose
	LeadCreated bool
	ToolCalls   []string
	Transcript  []json.RawMessage
	Lead        *LeadInfo
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		StartedAt:   s.startedAt,
		Topic:       s.topic,
		Purpose:     s.purpose,
		LeadCreated: s.leadCreated,
		ToolCalls:   append([]string(nil), s.toolCalls...),
		Transcript:  append([]json.RawMessage(nil), s.transcript...),
	}
	if s.lead != nil {
		lead := *s.lead
		out.Lead = &lead
	}
	return out
}

// Record builds the persisted form of the conversation as of now.
func (s *State) Record(now time.Time) Record {
	snap := s.Snapshot()
	duration := int(now.Sub(snap.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	return Record{
		Duration:    duration,
		StartedAt:   snap.StartedAt,
		Topic:       snap.Topic,
		Purpose:     snap.Purpose,
		LeadCreated: snap.LeadCreated,
		ToolCalls:   snap.ToolCalls,
		Transcript:  snap.Transcript,
		Lead:        snap.Lead,
	}
}
