package agency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

var ErrClientIDRequired = errors.New("client_id is required")

const (
	defaultListenModel = "nova-3"
	defaultThinkModel  = "gpt-4o-mini"
	devThinkProvider   = "open_ai"
	devSpeakProvider   = "eleven_labs"
	devVoiceID         = "SB13jgWjPxi4e4JoTT1H"
	devGreeting        = "Welcome to Pacitti Jones. I’m Margaret, your AI assistant. How may I help you today?"

	defaultDevInstructions = `You are Margaret, the voice assistant of Pacitti Jones estate agency.
The current date and time is {now}.
Help callers find properties, check free calendar slots for viewings and valuations, and book appointments.
Before booking, confirm the caller's name, the address and at least one contact detail.
Keep answers short and conversational. When the caller is done, end the call.`
)

// SettingsSource loads stored agent configuration for an agency.
type SettingsSource interface {
	AgencySettings(ctx context.Context, agencyID uuid.UUID) (protocol.AgentSettings, error)
}

type Options struct {
	Source SettingsSource
	// Functions are advertised when stored settings carry none.
	Functions []protocol.FunctionDefinition
	// DevAllowed lets clients request the built-in diagnostic configuration.
	DevAllowed   bool
	Instructions string
	Now          func() time.Time
}

// Resolver turns a start message into the settings sent to the agent.
type Resolver struct {
	source       SettingsSource
	functions    []protocol.FunctionDefinition
	devAllowed   bool
	instructions string
	now          func() time.Time
}

func NewResolver(opts Options) *Resolver {
	instructions := opts.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = defaultDevInstructions
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		source:       opts.Source,
		functions:    append([]protocol.FunctionDefinition(nil), opts.Functions...),
		devAllowed:   opts.DevAllowed,
		instructions: instructions,
		now:          now,
	}
}

// LoadInstructions reads a diagnostic instructions template. An empty path
// yields the built-in template.
func LoadInstructions(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return defaultDevInstructions, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	return string(b), nil
}

func (r *Resolver) Resolve(ctx context.Context, msg protocol.ClientMessage) (protocol.AgentSettings, error) {
	if msg.DevMode && r.devAllowed {
		return r.devSettings(msg.DevOptions), nil
	}
	if msg.ClientID == nil || *msg.ClientID == uuid.Nil {
		return protocol.AgentSettings{}, ErrClientIDRequired
	}
	if r.source == nil {
		return protocol.AgentSettings{}, errors.New("agency settings source is not configured")
	}

	settings, err := r.source.AgencySettings(ctx, *msg.ClientID)
	if err != nil {
		return protocol.AgentSettings{}, fmt.Errorf("agency %s: %w", msg.ClientID, err)
	}
	r.applyDefaults(&settings)
	return settings, nil
}

func (r *Resolver) applyDefaults(s *protocol.AgentSettings) {
	s.Type = protocol.AgentSettingsConfiguration
	if s.Audio.Input.Encoding == "" {
		s.Audio.Input.Encoding = "linear16"
	}
	if s.Audio.Input.SampleRate == 0 {
		s.Audio.Input.SampleRate = 16000
	}
	if s.Audio.Output.Encoding == "" {
		s.Audio.Output.Encoding = "linear16"
	}
	if s.Audio.Output.SampleRate == 0 {
		s.Audio.Output.SampleRate = 16000
	}
	if s.Audio.Output.Container == "" {
		s.Audio.Output.Container = "none"
	}
	if s.Agent.Listen.Model == "" {
		s.Agent.Listen.Model = defaultListenModel
	}
	if s.Agent.Think.Model == "" {
		s.Agent.Think.Model = defaultThinkModel
	}
	if len(s.Agent.Think.Functions) == 0 {
		s.Agent.Think.Functions = append([]protocol.FunctionDefinition(nil), r.functions...)
	}
}

func (r *Resolver) devSettings(opts *protocol.DevOptions) protocol.AgentSettings {
	speak := protocol.SpeakSettings{Provider: devSpeakProvider, VoiceID: devVoiceID}
	if opts != nil {
		speak = protocol.SpeakSettings{
			Model:    opts.VoiceModel,
			Provider: opts.Provider,
			VoiceID:  opts.VoiceID,
		}
	}

	return protocol.AgentSettings{
		Type: protocol.AgentSettingsConfiguration,
		Audio: protocol.AudioSettings{
			Input:  protocol.AudioFormat{Encoding: "linear32", SampleRate: 48000},
			Output: protocol.AudioFormat{Encoding: "linear16", SampleRate: 24000, Container: "none"},
		},
		Agent: protocol.AgentConfig{
			Listen: protocol.ListenSettings{Model: defaultListenModel},
			Think: protocol.ThinkSettings{
				Provider:     protocol.ThinkProvider{Type: devThinkProvider},
				Model:        defaultThinkModel,
				Instructions: strings.ReplaceAll(r.instructions, "{now}", r.now().Format("2006-01-02 15:04:05")),
				Functions:    append([]protocol.FunctionDefinition(nil), r.functions...),
			},
			Speak: speak,
		},
		Context: &protocol.ContextSettings{
			Messages: []protocol.ContextMessage{{Role: "assistant", Content: devGreeting}},
			Replay:   true,
		},
	}
}
