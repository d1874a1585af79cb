package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

const (
	defaultDeepgramURL = "wss://agent.deepgram.com/agent"
	defaultWriteWait   = 10 * time.Second
	maxUpstreamFrame   = 4 << 20
)

type DeepgramConfig struct {
	APIKey            string
	URL               string
	KeepAliveInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// DeepgramProvider opens sessions against the Deepgram voice agent API.
type DeepgramProvider struct {
	cfg DeepgramConfig
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = defaultDeepgramURL
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 8 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "upstream")
	return &DeepgramProvider{cfg: cfg}
}

func (p *DeepgramProvider) Open(ctx context.Context, settings protocol.AgentSettings) (Session, error) {
	headers := http.Header{}
	if p.cfg.APIKey != "" {
		headers.Set("Authorization", "Token "+p.cfg.APIKey)
	}

	conn, _, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}
	conn.SetReadLimit(maxUpstreamFrame)

	// Unblock handshake reads if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	settings.Type = protocol.AgentSettingsConfiguration
	if err := conn.WriteJSON(settings); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}

	pending, err := awaitSettingsApplied(conn, p.cfg.Logger)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open agent session: %w", ctxErr)
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("open agent session: %w", context.DeadlineExceeded)
		}
		return nil, err
	}
	if !stop() {
		// ctx fired after the handshake finished; the conn is already closed.
		return nil, fmt.Errorf("open agent session: %w", ctx.Err())
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	s := newDeepgramSession(conn, p.cfg.KeepAliveInterval, p.cfg.Logger, pending)
	go s.readLoop()
	go s.keepAliveLoop()
	return s, nil
}

// awaitSettingsApplied reads until the agent confirms the settings. Frames
// other than Welcome received meanwhile are kept and replayed as events.
func awaitSettingsApplied(conn *websocket.Conn, logger *slog.Logger) ([]Event, error) {
	var pending []Event
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await settings applied: %w", err)
		}
		if mt == websocket.BinaryMessage {
			pending = append(pending, Event{Kind: EventAudio, Payload: data})
			continue
		}
		typ, err := protocol.PeekAgentType(data)
		if err != nil {
			logger.Warn("dropping malformed agent message during handshake", "error", err)
			continue
		}
		switch typ {
		case protocol.AgentWelcome:
			continue
		case protocol.AgentSettingsApplied:
			return pending, nil
		case protocol.AgentError:
			var e protocol.AgentErrorEvent
			_ = json.Unmarshal(data, &e)
			return nil, fmt.Errorf("%w: %s", ErrOpenRejected, e.Text())
		default:
			pending = append(pending, Event{Kind: EventMessage, Type: typ, Payload: data})
		}
	}
}

type deepgramSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	keepAlive time.Duration
	pending   []Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	events    chan Event
}

func newDeepgramSession(conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger, pending []Event) *deepgramSession {
	return &deepgramSession{
		conn:      conn,
		logger:    logger,
		keepAlive: keepAlive,
		pending:   pending,
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		events:    make(chan Event, 256),
	}
}

func (s *deepgramSession) Events() <-chan Event { return s.events }

func (s *deepgramSession) SendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}
	return s.write(ctx, websocket.TextMessage, payload)
}

func (s *deepgramSession) SendAudio(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.BinaryMessage, data)
}

func (s *deepgramSession) write(ctx context.Context, messageType int, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	deadline := time.Now().Add(defaultWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("write agent frame: %w", err)
	}
	return nil
}

func (s *deepgramSession) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for _, ev := range s.pending {
		if !s.deliver(ev) {
			return
		}
	}
	s.pending = nil

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Warn("agent connection read failed", "error", err)
				}
			}
			return
		}

		var ev Event
		if mt == websocket.BinaryMessage {
			ev = Event{Kind: EventAudio, Payload: data}
		} else {
			typ, err := protocol.PeekAgentType(data)
			if err != nil {
				s.logger.Warn("dropping malformed agent message", "error", err)
				continue
			}
			ev = Event{Kind: EventMessage, Type: typ, Payload: data}
		}
		if !s.deliver(ev) {
			return
		}
	}
}

func (s *deepgramSession) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *deepgramSession) keepAliveLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.readDone:
			return
		case <-ticker.C:
			err := s.SendJSON(context.Background(), protocol.KeepAlive{Type: protocol.AgentKeepAlive})
			if err != nil && !errors.Is(err, ErrSessionClosed) {
				s.logger.Warn("agent keepalive failed", "error", err)
				return
			}
		}
	}
}

// Close sends a close frame and waits for the agent to hang up, bounded by
// ctx. The connection is released either way.
func (s *deepgramSession) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		close(s.done)

		select {
		case <-s.readDone:
		case <-ctx.Done():
			closeErr = fmt.Errorf("await agent close: %w", ctx.Err())
		}
		_ = s.conn.Close()
	})
	return closeErr
}
