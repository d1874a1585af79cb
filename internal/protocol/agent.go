package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AgentMessageType identifies messages exchanged with the upstream voice agent.
type AgentMessageType string

const (
	AgentWelcome             AgentMessageType = "Welcome"
	AgentSettingsApplied     AgentMessageType = "SettingsApplied"
	AgentConversationText    AgentMessageType = "ConversationText"
	AgentUserStartedSpeaking AgentMessageType = "UserStartedSpeaking"
	AgentThinking            AgentMessageType = "AgentThinking"
	AgentFunctionCalling     AgentMessageType = "FunctionCalling"
	AgentFunctionCallRequest AgentMessageType = "FunctionCallRequest"
	AgentStartedSpeaking     AgentMessageType = "AgentStartedSpeaking"
	AgentAudioDone           AgentMessageType = "AgentAudioDone"
	AgentEndOfThought        AgentMessageType = "EndOfThought"
	AgentError               AgentMessageType = "Error"

	AgentSettingsConfiguration AgentMessageType = "SettingsConfiguration"
	AgentKeepAlive             AgentMessageType = "KeepAlive"
	AgentFunctionCallResponse  AgentMessageType = "FunctionCallResponse"
	AgentInjectMessage         AgentMessageType = "InjectAgentMessage"
)

type AgentEnvelope struct {
	Type AgentMessageType `json:"type"`
}

// PeekAgentType returns the type field of an upstream text message.
func PeekAgentType(raw []byte) (AgentMessageType, error) {
	var env AgentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid agent message: %w", err)
	}
	return env.Type, nil
}

type FunctionCallRequest struct {
	Type           AgentMessageType `json:"type"`
	FunctionName   string           `json:"function_name"`
	FunctionCallID string           `json:"function_call_id"`
	Input          json.RawMessage  `json:"input,omitempty"`
}

// RawInput returns the tool input as the text the agent produced. The agent
// may send either a JSON-encoded string or an inline object.
func (r FunctionCallRequest) RawInput() string {
	trimmed := bytes.TrimSpace(r.Input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

type FunctionCallResponse struct {
	Type           AgentMessageType `json:"type"`
	FunctionCallID string           `json:"function_call_id"`
	Output         string           `json:"output"`
}

func NewFunctionCallResponse(callID, output string) FunctionCallResponse {
	return FunctionCallResponse{Type: AgentFunctionCallResponse, FunctionCallID: callID, Output: output}
}

type InjectAgentMessage struct {
	Type    AgentMessageType `json:"type"`
	Message string           `json:"message"`
}

func NewInjectAgentMessage(message string) InjectAgentMessage {
	return InjectAgentMessage{Type: AgentInjectMessage, Message: message}
}

type KeepAlive struct {
	Type AgentMessageType `json:"type"`
}

type AgentErrorEvent struct {
	Type        AgentMessageType `json:"type"`
	Message     string           `json:"message,omitempty"`
	Description string           `json:"description,omitempty"`
	Code        string           `json:"code,omitempty"`
}

func (e AgentErrorEvent) Text() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Message != "":
		return e.Message
	default:
		return "upstream error"
	}
}

// AgentSettings is the SettingsConfiguration message sent when a session opens.
type AgentSettings struct {
	Type    AgentMessageType `json:"type"`
	Audio   AudioSettings    `json:"audio"`
	Agent   AgentConfig      `json:"agent"`
	Context *ContextSettings `json:"context,omitempty"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentConfig struct {
	Listen ListenSettings `json:"listen"`
	Think  ThinkSettings  `json:"think"`
	Speak  SpeakSettings  `json:"speak"`
}

type ListenSettings struct {
	Model    string   `json:"model"`
	Keyterms []string `json:"keyterms,omitempty"`
}

type ThinkProvider struct {
	Type string `json:"type"`
}

type ThinkSettings struct {
	Provider     ThinkProvider        `json:"provider"`
	Model        string               `json:"model"`
	Instructions string               `json:"instructions"`
	Functions    []FunctionDefinition `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ContextSettings struct {
	Messages []ContextMessage `json:"messages,omitempty"`
	Replay   bool             `json:"replay"`
}

// FunctionDefinition advertises one tool to the agent. Parameters is a JSON
// schema object.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
