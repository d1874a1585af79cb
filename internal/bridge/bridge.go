package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgvoice/voiceagent/internal/commands"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/events"
	"github.com/pgvoice/voiceagent/internal/observability"
	"github.com/pgvoice/voiceagent/internal/protocol"
	"github.com/pgvoice/voiceagent/internal/session"
	"github.com/pgvoice/voiceagent/internal/upstream"
)

// Client-facing error details.
const (
	detailStartupFailed = "error on startup deepgram connection"
	detailWrongFormat   = "Wrong message format"
	detailUnknownError  = "Unknown error occurred"
)

var (
	ErrAlreadyActive = errors.New("session already started")
	errClientClosed  = errors.New("client connection closing")
)

// ClientConn is the client side of a bridge. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// SettingsResolver picks the agent configuration for a start message.
type SettingsResolver interface {
	Resolve(ctx context.Context, msg protocol.ClientMessage) (protocol.AgentSettings, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, call commands.Call, state *conversation.State) commands.Outcome
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, rec conversation.Record) (int64, error)
}

type Options struct {
	ID        string
	Conn      ClientConn
	Provider  upstream.Provider
	Resolver  SettingsResolver
	Commands  Dispatcher
	Store     ConversationStore
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	// DevMode mirrors tool traffic to the client.
	DevMode bool

	OpenTimeout    time.Duration
	CloseTimeout   time.Duration
	PersistTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	// ToolTimeout bounds one tool call so the agent gets an answer while the
	// caller is still on the line.
	ToolTimeout time.Duration
	// EndCallGrace bounds how long the agent may speak the farewell before
	// teardown. Zero tears down right after the farewell is sent.
	EndCallGrace time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Publisher == nil {
		o.Publisher = events.Noop{}
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 120 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 20 * time.Second
	}
	if o.EndCallGrace < 0 {
		o.EndCallGrace = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// active is the upstream half of an ACTIVE bridge.
type active struct {
	sess upstream.Session
	conv *conversation.State
}

// Bridge pairs one client connection with at most one upstream agent session.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	clientID string
	current  *active
	farewell *time.Timer

	connectedAt  time.Time
	lastActivity atomic.Int64
	closing      atomic.Bool
	endPending   atomic.Bool

	writeMu      sync.Mutex
	shutdownOnce sync.Once
	done         chan struct{}

	handlers map[protocol.AgentMessageType]eventHandler
}

type eventHandler func(a *active, ev upstream.Event)

func New(opts Options) *Bridge {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Now()
	b := &Bridge{
		opts:        opts,
		logger:      opts.Logger.With("component", "bridge", "bridge_id", opts.ID),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateInit,
		connectedAt: now.UTC(),
		done:        make(chan struct{}),
	}
	b.lastActivity.Store(now.UnixNano())
	b.handlers = map[protocol.AgentMessageType]eventHandler{
		protocol.AgentConversationText:    b.onConversationText,
		protocol.AgentUserStartedSpeaking: b.onMirror,
		protocol.AgentFunctionCalling:     b.onFunctionCalling,
		protocol.AgentFunctionCallRequest: b.onFunctionCallRequest,
		protocol.AgentAudioDone:           b.onAudioDone,
		protocol.AgentError:               b.onAgentError,
	}
	return b
}

func (b *Bridge) ID() string { return b.opts.ID }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once teardown has finished.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) Info() session.Info {
	b.mu.Lock()
	state, clientID := b.state, b.clientID
	b.mu.Unlock()
	return session.Info{
		ID:             b.opts.ID,
		ClientID:       clientID,
		State:          state.String(),
		ConnectedAt:    b.connectedAt,
		LastActivityAt: time.Unix(0, b.lastActivity.Load()).UTC(),
	}
}

// Run pumps client frames until the client goes away or the bridge is shut
// down. Teardown has completed when Run returns.
func (b *Bridge) Run() {
	conn := b.opts.Conn
	_ = conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
	})
	go b.pingLoop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !b.closing.Load() {
				b.logger.Info("client disconnected", "error", err)
			}
			b.Shutdown("client disconnected")
			return
		}
		if b.closing.Load() {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
		b.lastActivity.Store(b.opts.Now().UnixNano())

		switch mt {
		case websocket.BinaryMessage:
			b.forwardAudio(data)
		case websocket.TextMessage:
			b.handleClientText(data)
		}
	}
}

func (b *Bridge) pingLoop() {
	ticker := time.NewTicker(b.opts.ReadTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.opts.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.opts.WriteTimeout))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Bridge) forwardAudio(data []byte) {
	b.mu.Lock()
	a := b.current
	b.mu.Unlock()
	if a == nil {
		b.logger.Debug("dropping client audio before session start", "bytes", len(data))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.WriteTimeout)
	defer cancel()
	if err := a.sess.SendAudio(ctx, data); err != nil && !errors.Is(err, upstream.ErrSessionClosed) {
		b.logger.Warn("forward audio upstream failed", "error", err)
		b.opts.Metrics.UpstreamError("send")
	}
}

func (b *Bridge) handleClientText(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("client message handling panicked", "panic", rec, "stack", string(debug.Stack()))
			b.sendAck(protocol.ErrorAck(detailUnknownError))
		}
	}()

	msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedType):
		b.opts.Metrics.Message("inbound", "unknown")
		b.logger.Warn("unknown client message type", "type", msg.Type)
		b.sendAck(protocol.ErrorAck("Unknown message type: " + string(msg.Type)))
		return
	case err != nil:
		b.opts.Metrics.Message("inbound", "invalid")
		b.logger.Warn("invalid client message", "error", err)
		b.sendAck(protocol.ErrorAck(detailWrongFormat))
		return
	}
	b.opts.Metrics.Message("inbound", string(msg.Type))

	switch msg.Type {
	case protocol.TypeStart:
		b.start(msg)
	case protocol.TypeFinish:
		b.logger.Info("client sent finish")
		b.Shutdown("client finished")
	}
}

func (b *Bridge) start(msg protocol.ClientMessage) {
	b.mu.Lock()
	switch b.state {
	case StateConfiguring, StateActive:
		b.mu.Unlock()
		b.logger.Warn("start received while session is running")
		b.sendAck(protocol.ErrorAck(ErrAlreadyActive.Error()))
		return
	case StateClosing, StateClosed:
		b.mu.Unlock()
		return
	}
	b.state = StateConfiguring
	if msg.ClientID != nil {
		b.clientID = msg.ClientID.String()
	}
	b.mu.Unlock()
	b.opts.Metrics.SessionEvent("start")

	sess, err := b.openUpstream(msg)
	if err != nil {
		b.logger.Error("upstream session failed to start", "error", err)
		b.mu.Lock()
		if b.state == StateConfiguring {
			b.state = StateInit
		}
		b.mu.Unlock()
		b.sendAck(protocol.ErrorAck(detailStartupFailed))
		return
	}

	b.mu.Lock()
	if b.state != StateConfiguring {
		// Shut down while the upstream was opening.
		b.mu.Unlock()
		b.closeUpstream(sess)
		return
	}
	a := &active{sess: sess, conv: conversation.NewState(b.opts.Now().UTC())}
	b.current = a
	b.state = StateActive
	clientID := b.clientID
	b.mu.Unlock()

	b.logger.Info("session active", "client_id", clientID, "dev_mode", msg.DevMode)
	b.sendAck(protocol.SettingsAppliedAck())
	go b.upstreamPump(a)
}

func (b *Bridge) openUpstream(msg protocol.ClientMessage) (upstream.Session, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.OpenTimeout)
	defer cancel()

	settings, err := b.opts.Resolver.Resolve(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("resolve agent settings: %w", err)
	}

	started := time.Now()
	sess, err := b.opts.Provider.Open(ctx, settings)
	b.opts.Metrics.ObserveUpstreamOpen(time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("open upstream: %w", err)
	}
	return sess, nil
}

// upstreamPump handles agent events one at a time, so a tool result is sent
// before the next event is looked at.
func (b *Bridge) upstreamPump(a *active) {
	for ev := range a.sess.Events() {
		if b.closing.Load() {
			continue
		}
		b.dispatchEvent(a, ev)
	}
	if !b.closing.Load() {
		b.logger.Info("upstream session ended")
		b.opts.Metrics.UpstreamError("closed")
	}
	b.Shutdown("upstream closed")
}

func (b *Bridge) dispatchEvent(a *active, ev upstream.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("upstream event handling panicked", "type", ev.Type, "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	if ev.Kind == upstream.EventAudio {
		b.writeClient(websocket.BinaryMessage, ev.Payload)
		return
	}
	b.opts.Metrics.Message("upstream", string(ev.Type))
	if h, ok := b.handlers[ev.Type]; ok {
		h(a, ev)
		return
	}
	b.logger.Debug("agent event", "type", ev.Type)
}

func (b *Bridge) onConversationText(a *active, ev upstream.Event) {
	a.conv.AppendTranscript(ev.Payload)
	b.writeClient(websocket.TextMessage, ev.Payload)
}

func (b *Bridge) onMirror(_ *active, ev upstream.Event) {
	b.writeClient(websocket.TextMessage, ev.Payload)
}

func (b *Bridge) onFunctionCalling(_ *active, ev upstream.Event) {
	if b.opts.DevMode {
		b.writeClient(websocket.TextMessage, ev.Payload)
	}
}

func (b *Bridge) onAgentError(_ *active, ev upstream.Event) {
	var e protocol.AgentErrorEvent
	_ = json.Unmarshal(ev.Payload, &e)
	b.logger.Warn("agent reported error", "detail", e.Text())
	b.opts.Metrics.UpstreamError("agent")
}

func (b *Bridge) onAudioDone(_ *active, _ upstream.Event) {
	if b.endPending.Load() {
		go b.Shutdown("end_call")
	}
}

func (b *Bridge) onFunctionCallRequest(a *active, ev upstream.Event) {
	var req protocol.FunctionCallRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		b.logger.Warn("undecodable function call request", "error", err)
		b.opts.Metrics.UpstreamError("decode")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ToolTimeout)
	started := time.Now()
	out := b.opts.Commands.Dispatch(ctx, commands.Call{
		Name:     req.FunctionName,
		ID:       req.FunctionCallID,
		RawInput: req.RawInput(),
	}, a.conv)
	cancel()
	b.opts.Metrics.ObserveToolCall(req.FunctionName, out.Status, time.Since(started))

	if b.closing.Load() {
		return
	}
	b.sendUpstream(a, out.Response)
	if b.opts.DevMode {
		b.writeClientJSON(out.Response)
	}
	if out.Announcement != nil {
		b.sendUpstream(a, *out.Announcement)
	}
	if out.EndSession {
		b.scheduleEnd()
	}
}

// scheduleEnd lets the agent finish the farewell. Teardown follows the next
// AgentAudioDone or the grace timeout, whichever comes first.
func (b *Bridge) scheduleEnd() {
	if b.opts.EndCallGrace == 0 {
		go b.Shutdown("end_call")
		return
	}
	if !b.endPending.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.farewell = time.AfterFunc(b.opts.EndCallGrace, func() { b.Shutdown("end_call") })
	b.mu.Unlock()
}

func (b *Bridge) sendUpstream(a *active, v any) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.WriteTimeout)
	defer cancel()
	if err := a.sess.SendJSON(ctx, v); err != nil {
		if !errors.Is(err, upstream.ErrSessionClosed) {
			b.logger.Warn("send to agent failed", "error", err)
			b.opts.Metrics.UpstreamError("send")
		}
	}
}

func (b *Bridge) sendAck(ack protocol.Ack) {
	b.opts.Metrics.Message("outbound", string(ack.Type))
	b.writeClientJSON(ack)
}

func (b *Bridge) writeClientJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal client message", "error", err)
		return
	}
	b.writeClient(websocket.TextMessage, payload)
}

func (b *Bridge) writeClient(mt int, payload []byte) {
	if err := b.write(mt, payload); err != nil && !errors.Is(err, errClientClosed) {
		b.logger.Debug("client write failed", "error", err)
	}
}

func (b *Bridge) write(mt int, payload []byte) error {
	if b.closing.Load() {
		return errClientClosed
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.opts.Conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
	return b.opts.Conn.WriteMessage(mt, payload)
}

// Shutdown tears the bridge down exactly once. Concurrent callers return
// after teardown finished.
func (b *Bridge) Shutdown(reason string) {
	b.shutdownOnce.Do(func() { b.teardown(reason) })
}

func (b *Bridge) teardown(reason string) {
	b.mu.Lock()
	b.closing.Store(true)
	b.state = StateClosing
	a := b.current
	if b.farewell != nil {
		b.farewell.Stop()
	}
	b.mu.Unlock()

	logger := b.logger.With("reason", reason)
	logger.Info("session closing")
	b.cancel()

	b.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = b.opts.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	b.writeMu.Unlock()
	_ = b.opts.Conn.Close()

	if a != nil {
		b.closeUpstream(a.sess)
		b.persist(logger, a.conv)
	}

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.opts.Metrics.SessionEvent("closed")
	logger.Info("session closed")
	close(b.done)
}

// closeUpstream gives the agent CloseTimeout to acknowledge the close, then
// moves on even if Close is still blocked.
func (b *Bridge) closeUpstream(sess upstream.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CloseTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Close(ctx) }()
	select {
	case err := <-errCh:
		if err != nil {
			b.logger.Warn("upstream close did not complete", "error", err)
		}
	case <-ctx.Done():
		b.logger.Warn("upstream close timed out", "timeout", b.opts.CloseTimeout)
		b.opts.Metrics.UpstreamError("close")
	}
}

func (b *Bridge) persist(logger *slog.Logger, conv *conversation.State) {
	if b.opts.Store == nil {
		return
	}
	rec := conv.Record(b.opts.Now().UTC())

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.PersistTimeout)
	defer cancel()
	started := time.Now()
	id, err := b.opts.Store.SaveConversation(ctx, rec)
	b.opts.Metrics.ObservePersist(time.Since(started), err)
	if err != nil {
		logger.Error("save conversation failed", "error", err)
		return
	}
	logger.Info("conversation saved", "conversation_id", id, "duration", rec.Duration, "lead_created", rec.LeadCreated)

	if err := b.opts.Publisher.PublishConversationSaved(ctx, events.NewConversationSaved(id, b.opts.ID, rec)); err != nil {
		logger.Warn("publish conversation saved failed", "error", err)
	}
}
