package commands

import (
	"context"
	"encoding/json"

	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

const NameEndCall = "end_call"

var farewells = map[string]string{
	"thanks":  "Thank you for calling! Have a great day!",
	"help":    "I'm glad I could help! Have a wonderful day!",
	"general": "Goodbye! Have a nice day!",
}

// EndCall says goodbye and ends the session once the farewell is queued.
type EndCall struct{}

func NewEndCall() *EndCall { return &EndCall{} }

func (c *EndCall) Name() string { return NameEndCall }

func (c *EndCall) Definition() protocol.FunctionDefinition {
	return protocol.FunctionDefinition{
		Name: NameEndCall,
		Description: `End the conversation and close the connection. Call this function when:
- User says goodbye, thank you, etc.
- User indicates they're done ("that's all I need", "I'm all set", etc.)
- User wants to end the conversation

Do not call this function if the user is just saying thanks but continuing the conversation.`,
		Parameters: json.RawMessage(`{
	"type": "object",
	"properties": {
		"farewell_type": {"type": "string", "description": "Type of farewell to use in response", "enum": ["thanks", "general", "help"]}
	},
	"required": ["farewell_type"]
}`),
	}
}

func (c *EndCall) Execute(_ context.Context, in Input, _ *conversation.State) (Reply, error) {
	message := FarewellMessage(in)
	return Reply{
		Result: Generic{Value: map[string]string{
			"status":  "closing",
			"message": message,
		}},
		Announcement: message,
		EndSession:   true,
	}, nil
}

// FarewellMessage falls back to the general farewell for unknown types.
func FarewellMessage(in Input) string {
	kind, _ := in.String("farewell_type")
	if msg, ok := farewells[kind]; ok {
		return msg
	}
	return farewells["general"]
}
