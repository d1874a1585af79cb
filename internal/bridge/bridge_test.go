package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pgvoice/voiceagent/internal/agency"
	"github.com/pgvoice/voiceagent/internal/backend"
	"github.com/pgvoice/voiceagent/internal/commands"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
	"github.com/pgvoice/voiceagent/internal/store"
	"github.com/pgvoice/voiceagent/internal/upstream"
)

type fakeBackend struct{}

func (fakeBackend) SearchProperty(context.Context, string) ([]backend.Property, error) {
	return []backend.Property{{ExternalID: "ext-42", Address: "1 High Street", City: "Edinburgh"}}, nil
}

func (fakeBackend) GetCalendarSlots(context.Context, backend.CalendarSlotsRequest) ([]backend.Slot, error) {
	return nil, nil
}

func (fakeBackend) CreateAppointment(context.Context, backend.AppointmentRequest) error {
	return nil
}

// countingStore records every save on top of the in-memory store.
type countingStore struct {
	*store.InMemoryStore
	saves atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (s *countingStore) SaveConversation(ctx context.Context, rec conversation.Record) (int64, error) {
	s.saves.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return 0, errors.New("database unavailable")
	}
	return s.InMemoryStore.SaveConversation(ctx, rec)
}

// slowBackend holds property searches until the caller's context ends.
type slowBackend struct{ fakeBackend }

func (slowBackend) SearchProperty(ctx context.Context, _ string) ([]backend.Property, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type stuckCloseProvider struct {
	inner   *upstream.MockProvider
	release <-chan struct{}
}

func (p stuckCloseProvider) Open(ctx context.Context, settings protocol.AgentSettings) (upstream.Session, error) {
	sess, err := p.inner.Open(ctx, settings)
	if err != nil {
		return nil, err
	}
	return &stuckCloseSession{Session: sess, release: p.release}, nil
}

type stuckCloseSession struct {
	upstream.Session
	release <-chan struct{}
}

func (s *stuckCloseSession) Close(ctx context.Context) error {
	<-s.release
	return s.Session.Close(ctx)
}

func (s *countingStore) only(t *testing.T) conversation.Record {
	t.Helper()
	recs, err := s.ListConversations(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("saved conversations = %d, want 1", len(recs))
	}
	return recs[0]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	provider *upstream.MockProvider
	store    *countingStore
	clock    *fakeClock
	agencyID uuid.UUID
	client   *websocket.Conn
	bridge   *Bridge
}

type harnessOption func(*harness, *Options)

func withDevMode() harnessOption { return func(_ *harness, o *Options) { o.DevMode = true } }

func withEndCallGrace(d time.Duration) harnessOption {
	return func(_ *harness, o *Options) { o.EndCallGrace = d }
}

// withStuckUpstreamClose makes upstream Close block until release is closed,
// ignoring its context.
func withStuckUpstreamClose(release <-chan struct{}) harnessOption {
	return func(h *harness, o *Options) {
		o.Provider = stuckCloseProvider{inner: h.provider, release: release}
	}
}

func withBackend(b commands.Backend, toolTimeout time.Duration) harnessOption {
	return func(_ *harness, o *Options) {
		o.Commands = commands.NewDefaultRegistry(b, slog.New(slog.NewTextHandler(io.Discard, nil)))
		o.ToolTimeout = toolTimeout
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:        t,
		provider: upstream.NewMockProvider(),
		store:    &countingStore{InMemoryStore: store.NewInMemoryStore()},
		clock:    &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		agencyID: uuid.New(),
	}
	if err := h.store.PutAgency(context.Background(), store.Agency{ID: h.agencyID, AgencyName: "Test Agency"}); err != nil {
		t.Fatalf("PutAgency() error = %v", err)
	}
	registry := commands.NewDefaultRegistry(fakeBackend{}, logger)
	resolver := agency.NewResolver(agency.Options{Source: h.store, Functions: registry.Definitions()})

	bridges := make(chan *Bridge, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		o := Options{
			ID:             "bridge-test",
			Conn:           conn,
			Provider:       h.provider,
			Resolver:       resolver,
			Commands:       registry,
			Store:          h.store,
			Logger:         logger,
			OpenTimeout:    time.Second,
			CloseTimeout:   200 * time.Millisecond,
			PersistTimeout: time.Second,
			WriteTimeout:   time.Second,
			ReadTimeout:    10 * time.Second,
			Now:            h.clock.Now,
		}
		for _, opt := range opts {
			opt(h, &o)
		}
		b := New(o)
		bridges <- b
		b.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client

	select {
	case h.bridge = <-bridges:
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge not created")
	}
	return h
}

func (h *harness) sendJSON(v any) {
	h.t.Helper()
	if err := h.client.WriteJSON(v); err != nil {
		h.t.Fatalf("client write: %v", err)
	}
}

func (h *harness) next() (int, []byte) {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := h.client.ReadMessage()
	if err != nil {
		h.t.Fatalf("client read: %v", err)
	}
	return mt, data
}

func (h *harness) nextAck() protocol.Ack {
	h.t.Helper()
	mt, data := h.next()
	if mt != websocket.TextMessage {
		h.t.Fatalf("got frame type %d, want text", mt)
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		h.t.Fatalf("decode ack %s: %v", data, err)
	}
	return ack
}

// start activates the bridge and returns the upstream mock session.
func (h *harness) start() *upstream.MockSession {
	h.t.Helper()
	h.sendJSON(map[string]any{"type": "start", "client_id": h.agencyID.String()})
	if ack := h.nextAck(); ack.Type != protocol.TypeSettingsApplied {
		h.t.Fatalf("ack = %+v, want settings_applied", ack)
	}
	sessions := h.provider.Sessions()
	if len(sessions) != 1 {
		h.t.Fatalf("upstream sessions = %d, want 1", len(sessions))
	}
	return sessions[0]
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.bridge.Done():
	case <-time.After(3 * time.Second):
		h.t.Fatalf("bridge did not shut down; state = %s", h.bridge.State())
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func functionCall(name, id, input string) map[string]any {
	return map[string]any{
		"type":             "FunctionCallRequest",
		"function_name":    name,
		"function_call_id": id,
		"input":            input,
	}
}

// sentResponses decodes the FunctionCallResponse messages sent upstream.
func sentResponses(mock *upstream.MockSession) []protocol.FunctionCallResponse {
	var out []protocol.FunctionCallResponse
	for _, raw := range mock.SentJSON() {
		var r protocol.FunctionCallResponse
		if json.Unmarshal(raw, &r) == nil && r.Type == protocol.AgentFunctionCallResponse {
			out = append(out, r)
		}
	}
	return out
}

func TestStartThenFinishPersistsOnce(t *testing.T) {
	h := newHarness(t)
	mock := h.start()
	if got := h.bridge.State(); got != StateActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
	if mock.Settings().Agent.Listen.Model != "nova-3" {
		t.Fatalf("agency defaults not applied: %+v", mock.Settings().Agent)
	}

	h.clock.Advance(7 * time.Second)
	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()

	if h.store.saves.Load() != 1 {
		t.Fatalf("saves = %d, want 1", h.store.saves.Load())
	}
	rec := h.store.only(t)
	if rec.Duration != 7 {
		t.Fatalf("duration = %d, want 7", rec.Duration)
	}
	if !mock.Closed() {
		t.Fatalf("upstream session not closed")
	}
	if h.bridge.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", h.bridge.State())
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start()
	startedAt := h.clock.Now()

	h.clock.Advance(3 * time.Second)
	h.sendJSON(map[string]any{"type": "start", "client_id": h.agencyID.String()})
	ack := h.nextAck()
	if ack.Type != protocol.TypeError || ack.Detail != ErrAlreadyActive.Error() {
		t.Fatalf("ack = %+v, want already-active error", ack)
	}
	if n := len(h.provider.Sessions()); n != 1 {
		t.Fatalf("upstream sessions = %d, want 1", n)
	}

	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()
	if rec := h.store.only(t); !rec.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at = %v, want %v", rec.StartedAt, startedAt)
	}
}

func TestOpenFailureReturnsToInit(t *testing.T) {
	h := newHarness(t)
	h.provider.FailOpen(errors.New("agent unavailable"))

	h.sendJSON(map[string]any{"type": "start", "client_id": h.agencyID.String()})
	ack := h.nextAck()
	if ack.Type != protocol.TypeError || ack.Detail != detailStartupFailed {
		t.Fatalf("ack = %+v, want startup error", ack)
	}
	if got := h.bridge.State(); got != StateInit {
		t.Fatalf("state = %s, want INIT", got)
	}

	h.provider.FailOpen(nil)
	h.start()
	if got := h.bridge.State(); got != StateActive {
		t.Fatalf("state after retry = %s, want ACTIVE", got)
	}
}

func TestUnknownAgencyIsStartupError(t *testing.T) {
	h := newHarness(t)
	h.sendJSON(map[string]any{"type": "start", "client_id": uuid.NewString()})
	if ack := h.nextAck(); ack.Detail != detailStartupFailed {
		t.Fatalf("ack = %+v, want startup error", ack)
	}
	if len(h.provider.Sessions()) != 0 {
		t.Fatalf("upstream opened for unknown agency")
	}
}

func TestInvalidClientMessagesKeepSessionRunning(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.sendJSON(map[string]string{"type": "dance"})
	if ack := h.nextAck(); ack.Type != protocol.TypeError || ack.Detail != "Unknown message type: dance" {
		t.Fatalf("ack = %+v", ack)
	}

	if err := h.client.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := h.nextAck(); ack.Detail != detailWrongFormat {
		t.Fatalf("ack = %+v, want wrong format", ack)
	}

	if got := h.bridge.State(); got != StateActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
}

func TestBinaryFramesPassThroughUnchanged(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	frame := make([]byte, 256)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := h.client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	mt, echoed := h.next()
	if mt != websocket.BinaryMessage {
		t.Fatalf("frame type = %d, want binary", mt)
	}
	if string(echoed) != string(frame) {
		t.Fatalf("client received altered audio")
	}
	sent := mock.SentAudio()
	if len(sent) != 1 || string(sent[0]) != string(frame) {
		t.Fatalf("upstream received altered audio")
	}
}

func TestAudioBeforeStartIsDropped(t *testing.T) {
	h := newHarness(t)
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mock := h.start()
	if len(mock.SentAudio()) != 0 {
		t.Fatalf("pre-start audio reached upstream")
	}
}

func TestToolCallResponseSentUpstream(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	_ = mock.EmitJSON(functionCall(commands.NameSearchProperties, "call-1", `{"search_address": "1 High Street"}`))
	eventually(t, func() bool { return len(sentResponses(mock)) == 1 })

	resp := sentResponses(mock)[0]
	if resp.FunctionCallID != "call-1" {
		t.Fatalf("function_call_id = %q", resp.FunctionCallID)
	}
	if !strings.Contains(resp.Output, `"property_id": "ext-42"`) {
		t.Fatalf("output = %s", resp.Output)
	}
}

func TestMalformedToolInputYieldsErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	_ = mock.EmitJSON(functionCall(commands.NameSearchProperties, "call-2", "not-a-dict"))
	eventually(t, func() bool { return len(sentResponses(mock)) == 1 })

	var out map[string]string
	if err := json.Unmarshal([]byte(sentResponses(mock)[0].Output), &out); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if !strings.HasPrefix(out["error"], "Error executing function call searchForProperties") {
		t.Fatalf("error envelope = %v", out)
	}
	if got := h.bridge.State(); got != StateActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}

	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()
	rec := h.store.only(t)
	if len(rec.ToolCalls) != 1 || rec.ToolCalls[0] != commands.NameSearchProperties {
		t.Fatalf("tool_calls = %v", rec.ToolCalls)
	}
}

func TestUnknownToolName(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	_ = mock.EmitJSON(functionCall("launchRocket", "call-3", `{"a": 1}`))
	eventually(t, func() bool { return len(sentResponses(mock)) == 1 })
	if out := sentResponses(mock)[0].Output; !strings.Contains(out, "Unknown function call: launchRocket") {
		t.Fatalf("output = %s", out)
	}
}

func TestConversationTextMirroredAndRecorded(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	_ = mock.EmitJSON(map[string]string{"type": "ConversationText", "role": "user", "content": "Hello"})
	_ = mock.EmitJSON(map[string]string{"type": "AgentThinking", "content": "hmm"})
	_ = mock.EmitJSON(map[string]string{"type": "ConversationText", "role": "assistant", "content": "Hi there"})

	for _, want := range []string{"Hello", "Hi there"} {
		mt, data := h.next()
		if mt != websocket.TextMessage || !strings.Contains(string(data), want) {
			t.Fatalf("client got %s, want transcript %q", data, want)
		}
	}

	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()
	rec := h.store.only(t)
	if len(rec.Transcript) != 2 || !strings.Contains(string(rec.Transcript[1]), "Hi there") {
		t.Fatalf("transcript = %s", rec.Transcript)
	}
}

func TestFunctionCallingMirroredOnlyInDevMode(t *testing.T) {
	h := newHarness(t)
	mock := h.start()
	_ = mock.EmitJSON(map[string]string{"type": "FunctionCalling"})
	_ = mock.EmitJSON(map[string]string{"type": "UserStartedSpeaking"})

	_, data := h.next()
	if !strings.Contains(string(data), "UserStartedSpeaking") {
		t.Fatalf("client got %s, want UserStartedSpeaking first", data)
	}
}

func TestDevModeMirrorsToolResponse(t *testing.T) {
	h := newHarness(t, withDevMode())
	mock := h.start()

	_ = mock.EmitJSON(functionCall(commands.NameSearchProperties, "call-4", `{"search_address": "1 High Street"}`))
	_, data := h.next()
	var resp protocol.FunctionCallResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.FunctionCallID != "call-4" {
		t.Fatalf("mirrored = %s (%v)", data, err)
	}
}

func TestEndCallSendsFarewellThenTearsDown(t *testing.T) {
	h := newHarness(t, withEndCallGrace(0))
	mock := h.start()

	_ = mock.EmitJSON(functionCall(commands.NameEndCall, "call-5", `{"farewell_type": "thanks"}`))
	h.waitDone()

	sent := mock.SentJSON()
	if len(sent) != 2 {
		t.Fatalf("upstream messages = %d, want response and announcement", len(sent))
	}
	var resp protocol.FunctionCallResponse
	_ = json.Unmarshal(sent[0], &resp)
	var inject protocol.InjectAgentMessage
	_ = json.Unmarshal(sent[1], &inject)
	if resp.FunctionCallID != "call-5" || !strings.Contains(resp.Output, `"status": "closing"`) {
		t.Fatalf("response = %+v", resp)
	}
	if inject.Type != protocol.AgentInjectMessage || inject.Message != "Thank you for calling! Have a great day!" {
		t.Fatalf("announcement = %+v", inject)
	}
	if h.store.saves.Load() != 1 {
		t.Fatalf("saves = %d, want 1", h.store.saves.Load())
	}
}

func TestEndCallWaitsForAgentAudioDone(t *testing.T) {
	h := newHarness(t, withEndCallGrace(time.Minute))
	mock := h.start()

	_ = mock.EmitJSON(functionCall(commands.NameEndCall, "call-6", `{"farewell_type": "general"}`))
	eventually(t, func() bool { return len(mock.SentJSON()) == 2 })

	select {
	case <-h.bridge.Done():
		t.Fatalf("bridge closed before the farewell was spoken")
	case <-time.After(50 * time.Millisecond):
	}

	_ = mock.EmitJSON(map[string]string{"type": "AgentAudioDone"})
	h.waitDone()
	if h.store.saves.Load() != 1 {
		t.Fatalf("saves = %d, want 1", h.store.saves.Load())
	}
}

func TestEndCallRacingDisconnectPersistsOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t, withEndCallGrace(0))
		h.store.delay = 10 * time.Millisecond
		mock := h.start()

		_ = mock.EmitJSON(functionCall(commands.NameEndCall, "call-race", `{"farewell_type": "help"}`))
		_ = h.client.Close()
		h.waitDone()

		if got := h.store.saves.Load(); got != 1 {
			t.Fatalf("iteration %d: saves = %d, want 1", i, got)
		}
	}
}

func TestConcurrentShutdownPersistsOnce(t *testing.T) {
	h := newHarness(t)
	h.start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.bridge.Shutdown("test")
		}()
	}
	wg.Wait()
	h.waitDone()
	if got := h.store.saves.Load(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
}

func TestUpstreamHangupTearsDown(t *testing.T) {
	h := newHarness(t)
	mock := h.start()

	mock.Hangup()
	h.waitDone()
	if h.store.saves.Load() != 1 {
		t.Fatalf("saves = %d, want 1", h.store.saves.Load())
	}
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := h.client.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("client read error = %v, want normal close", err)
	}
}

func TestDisconnectBeforeStartSkipsPersistence(t *testing.T) {
	h := newHarness(t)
	_ = h.client.Close()
	h.waitDone()
	if h.store.saves.Load() != 0 {
		t.Fatalf("saves = %d, want 0", h.store.saves.Load())
	}
}

func TestInfoReportsState(t *testing.T) {
	h := newHarness(t)
	if info := h.bridge.Info(); info.State != "INIT" || info.ID != "bridge-test" {
		t.Fatalf("info = %+v", info)
	}
	h.start()
	info := h.bridge.Info()
	if info.State != "ACTIVE" || info.ClientID != h.agencyID.String() {
		t.Fatalf("info = %+v", info)
	}
}

func TestTeardownDoesNotWaitForStuckUpstreamClose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, withStuckUpstreamClose(release))
	h.start()

	began := time.Now()
	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()
	// CloseTimeout is 200ms in the harness.
	if elapsed := time.Since(began); elapsed > 1500*time.Millisecond {
		t.Fatalf("teardown took %v with a stuck upstream close", elapsed)
	}
	if got := h.bridge.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
	h.store.only(t)
}

func TestPersistFailureStillReleasesConnections(t *testing.T) {
	h := newHarness(t)
	h.store.fail.Store(true)
	mock := h.start()

	h.sendJSON(map[string]string{"type": "finish"})
	h.waitDone()

	if got := h.bridge.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
	if got := h.store.saves.Load(); got != 1 {
		t.Fatalf("save attempts = %d, want 1", got)
	}
	if !mock.Closed() {
		t.Fatalf("upstream session left open after failed save")
	}
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := h.client.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("client read error = %v, want normal close", err)
			}
			break
		}
	}
}

func TestSlowToolAnswersWithinToolTimeout(t *testing.T) {
	h := newHarness(t, withBackend(slowBackend{}, 100*time.Millisecond))
	mock := h.start()

	began := time.Now()
	_ = mock.EmitJSON(functionCall(commands.NameSearchProperties, "call-slow", `{"search_address": "1 High Street"}`))
	eventually(t, func() bool { return len(sentResponses(mock)) == 1 })
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("tool response took %v", elapsed)
	}

	if resp := sentResponses(mock)[0]; !strings.Contains(resp.Output, "couldn't find any properties") {
		t.Fatalf("output = %s", resp.Output)
	}
	if got := h.bridge.State(); got != StateActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
}
