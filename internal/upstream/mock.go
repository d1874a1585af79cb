package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

// MockProvider is a local agent used when no Deepgram key is configured. Its
// sessions echo audio back and record everything sent to them.
type MockProvider struct {
	mu        sync.Mutex
	openErr   error
	openDelay time.Duration
	sessions  []*MockSession
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

// FailOpen makes subsequent Open calls return err.
func (p *MockProvider) FailOpen(err error) {
	p.mu.Lock()
	p.openErr = err
	p.mu.Unlock()
}

// DelayOpen makes Open wait d before answering, or until ctx is done.
func (p *MockProvider) DelayOpen(d time.Duration) {
	p.mu.Lock()
	p.openDelay = d
	p.mu.Unlock()
}

func (p *MockProvider) Open(ctx context.Context, settings protocol.AgentSettings) (Session, error) {
	p.mu.Lock()
	openErr, delay := p.openErr, p.openDelay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	settings.Type = protocol.AgentSettingsConfiguration
	s := &MockSession{
		settings: settings,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *MockProvider) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockSession(nil), p.sessions...)
}

type MockSession struct {
	settings protocol.AgentSettings

	mu        sync.Mutex
	sentJSON  [][]byte
	sentAudio [][]byte
	closed    bool
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
}

func (s *MockSession) Settings() protocol.AgentSettings { return s.settings }

func (s *MockSession) Events() <-chan Event { return s.events }

func (s *MockSession) SendJSON(_ context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.sentJSON = append(s.sentJSON, payload)
	return nil
}

func (s *MockSession) SendAudio(_ context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.sentAudio = append(s.sentAudio, cp)
	s.emitLocked(Event{Kind: EventAudio, Payload: append([]byte(nil), cp...)})
	return nil
}

// Emit delivers an event as if the agent had sent it.
func (s *MockSession) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.emitLocked(ev)
	return nil
}

// EmitJSON delivers v as an agent text message.
func (s *MockSession) EmitJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	typ, err := protocol.PeekAgentType(payload)
	if err != nil {
		return err
	}
	return s.Emit(Event{Kind: EventMessage, Type: typ, Payload: payload})
}

func (s *MockSession) emitLocked(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Hangup simulates the agent dropping the connection.
func (s *MockSession) Hangup() {
	s.shutdown()
}

func (s *MockSession) Close(_ context.Context) error {
	s.shutdown()
	return nil
}

func (s *MockSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) SentJSON() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sentJSON...)
}

func (s *MockSession) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sentAudio...)
}
