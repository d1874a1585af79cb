package commands

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pgvoice/voiceagent/internal/backend"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

const (
	NameSearchProperties = "searchForProperties"

	noPropertiesMessage = "I couldn't find any properties matching that address."
)

// PropertySearcher is the slice of the property backend used for search.
type PropertySearcher interface {
	SearchProperty(ctx context.Context, address string) ([]backend.Property, error)
}

// AgentProperty is the property shape exposed to the agent. PropertyID carries
// the backend's external identifier.
type AgentProperty struct {
	PropertyID string `json:"property_id"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Country    string `json:"country"`
	State      string `json:"state"`
	Postcode   string `json:"postcode"`
}

type PropertySearchResult struct {
	Items []AgentProperty `json:"items"`
}

type SearchProperties struct {
	backend PropertySearcher
	logger  *slog.Logger
}

func NewSearchProperties(b PropertySearcher, logger *slog.Logger) *SearchProperties {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchProperties{backend: b, logger: logger}
}

func (c *SearchProperties) Name() string { return NameSearchProperties }

func (c *SearchProperties) Definition() protocol.FunctionDefinition {
	return protocol.FunctionDefinition{
		Name:        NameSearchProperties,
		Description: "Use this function to search available properties for the client",
		Parameters: json.RawMessage(`{
	"type": "object",
	"properties": {
		"search_address": {"type": "string", "description": "The address to lookup available properties"}
	},
	"required": ["search_address"]
}`),
	}
}

func (c *SearchProperties) Execute(ctx context.Context, in Input, _ *conversation.State) (Reply, error) {
	address, err := in.Require("search_address")
	if err != nil {
		return Reply{}, err
	}

	props, err := c.backend.SearchProperty(ctx, address)
	if err != nil {
		c.logger.Error("property search failed", "error", err)
		return Reply{Result: Text(noPropertiesMessage)}, nil
	}
	if len(props) == 0 {
		return Reply{Result: Text(noPropertiesMessage)}, nil
	}

	out := PropertySearchResult{Items: make([]AgentProperty, 0, len(props))}
	for _, p := range props {
		out.Items = append(out.Items, AgentProperty{
			PropertyID: p.ExternalID,
			Address:    p.Address,
			City:       p.City,
			Country:    p.Country,
			State:      p.State,
			Postcode:   p.Postcode,
		})
	}
	return Reply{Result: Typed{Value: out}}, nil
}
