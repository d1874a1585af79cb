package agency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

type fakeSource struct {
	settings map[uuid.UUID]protocol.AgentSettings
	calls    int
}

var errMissing = errors.New("missing")

func (f *fakeSource) AgencySettings(_ context.Context, id uuid.UUID) (protocol.AgentSettings, error) {
	f.calls++
	s, ok := f.settings[id]
	if !ok {
		return protocol.AgentSettings{}, errMissing
	}
	return s, nil
}

var testFunctions = []protocol.FunctionDefinition{{Name: "searchForProperties"}, {Name: "end_call"}}

func fixedNow() time.Time { return time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC) }

func TestResolveDevOverride(t *testing.T) {
	src := &fakeSource{}
	r := NewResolver(Options{Source: src, Functions: testFunctions, DevAllowed: true, Instructions: "Now is {now}.", Now: fixedNow})

	got, err := r.Resolve(context.Background(), protocol.ClientMessage{Type: protocol.TypeStart, DevMode: true})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("dev override consulted the agency source")
	}
	if got.Agent.Think.Instructions != "Now is 2026-04-01 09:30:00." {
		t.Fatalf("instructions = %q", got.Agent.Think.Instructions)
	}
	if got.Agent.Speak.Provider != "eleven_labs" || got.Agent.Speak.VoiceID != devVoiceID {
		t.Fatalf("speak = %+v", got.Agent.Speak)
	}
	if got.Audio.Input.Encoding != "linear32" || got.Audio.Input.SampleRate != 48000 || got.Audio.Output.SampleRate != 24000 {
		t.Fatalf("audio = %+v", got.Audio)
	}
	if got.Context == nil || !got.Context.Replay || len(got.Context.Messages) != 1 {
		t.Fatalf("context = %+v", got.Context)
	}
	if len(got.Agent.Think.Functions) != 2 {
		t.Fatalf("functions = %v", got.Agent.Think.Functions)
	}

	got, _ = r.Resolve(context.Background(), protocol.ClientMessage{
		Type: protocol.TypeStart, DevMode: true,
		DevOptions: &protocol.DevOptions{VoiceModel: "aura-asteria-en"},
	})
	if got.Agent.Speak.Model != "aura-asteria-en" || got.Agent.Speak.Provider != "" {
		t.Fatalf("dev options ignored: %+v", got.Agent.Speak)
	}
}

func TestResolveDevModeIgnoredWhenNotAllowed(t *testing.T) {
	r := NewResolver(Options{Source: &fakeSource{}, DevAllowed: false})
	_, err := r.Resolve(context.Background(), protocol.ClientMessage{Type: protocol.TypeStart, DevMode: true})
	if !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("Resolve() error = %v, want ErrClientIDRequired", err)
	}
}

func TestResolveAgencyAppliesDefaults(t *testing.T) {
	id := uuid.New()
	src := &fakeSource{settings: map[uuid.UUID]protocol.AgentSettings{
		id: {Agent: protocol.AgentConfig{
			Think: protocol.ThinkSettings{Provider: protocol.ThinkProvider{Type: "openai"}, Instructions: "be nice"},
			Speak: protocol.SpeakSettings{Model: "aura-luna-en"},
		}},
	}}
	r := NewResolver(Options{Source: src, Functions: testFunctions})

	got, err := r.Resolve(context.Background(), protocol.ClientMessage{Type: protocol.TypeStart, ClientID: &id})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Type != protocol.AgentSettingsConfiguration {
		t.Fatalf("type = %q", got.Type)
	}
	if got.Agent.Listen.Model != "nova-3" || got.Agent.Think.Model != "gpt-4o-mini" {
		t.Fatalf("defaults not applied: %+v", got.Agent)
	}
	if got.Audio.Input.Encoding != "linear16" || got.Audio.Output.Container != "none" {
		t.Fatalf("audio defaults not applied: %+v", got.Audio)
	}
	if len(got.Agent.Think.Functions) != len(testFunctions) {
		t.Fatalf("functions not injected: %v", got.Agent.Think.Functions)
	}
	if got.Agent.Think.Instructions != "be nice" {
		t.Fatalf("stored instructions overwritten: %q", got.Agent.Think.Instructions)
	}
}

func TestResolveAgencyErrors(t *testing.T) {
	r := NewResolver(Options{Source: &fakeSource{}})
	if _, err := r.Resolve(context.Background(), protocol.ClientMessage{Type: protocol.TypeStart}); !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("missing client id error = %v", err)
	}
	id := uuid.New()
	if _, err := r.Resolve(context.Background(), protocol.ClientMessage{Type: protocol.TypeStart, ClientID: &id}); !errors.Is(err, errMissing) {
		t.Fatalf("unknown agency error = %v, want wrapped source error", err)
	}
}

func TestLoadInstructions(t *testing.T) {
	def, err := LoadInstructions("")
	if err != nil || !strings.Contains(def, "{now}") {
		t.Fatalf("default instructions = %q, %v", def, err)
	}

	path := filepath.Join(t.TempDir(), "instructions.txt")
	if err := os.WriteFile(path, []byte("custom {now}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadInstructions(path)
	if err != nil || got != "custom {now}" {
		t.Fatalf("LoadInstructions() = %q, %v", got, err)
	}
	if _, err := LoadInstructions(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("LoadInstructions(missing) expected error")
	}
}
