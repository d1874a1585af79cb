package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pgvoice/voiceagent/internal/backend"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

const (
	NameGetFreeCalendarSlots = "getFreeCalendarSlots"

	// CalendarLookahead is the window searched from the requested start.
	CalendarLookahead = 50 * time.Hour
	// MaxSlots caps how many slots are read back to the caller.
	MaxSlots = 10

	noSlotsMessage = "There are no free calendar slots available in that period."
)

// SlotFinder is the slice of the property backend used for availability.
type SlotFinder interface {
	GetCalendarSlots(ctx context.Context, req backend.CalendarSlotsRequest) ([]backend.Slot, error)
}

type CalendarSlotsResult struct {
	Slots []backend.Slot `json:"slots"`
}

type GetFreeCalendarSlots struct {
	backend SlotFinder
	logger  *slog.Logger
}

func NewGetFreeCalendarSlots(b SlotFinder, logger *slog.Logger) *GetFreeCalendarSlots {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetFreeCalendarSlots{backend: b, logger: logger}
}

func (c *GetFreeCalendarSlots) Name() string { return NameGetFreeCalendarSlots }

func (c *GetFreeCalendarSlots) Definition() protocol.FunctionDefinition {
	return protocol.FunctionDefinition{
		Name:        NameGetFreeCalendarSlots,
		Description: "Use this function to retrieve free calendar slots based on provided time range and location",
		Parameters: json.RawMessage(`{
	"type": "object",
	"properties": {
		"from_ts": {"type": "string", "description": "The start time of the desired slot range (ISO format)"},
		"prop_postcode": {"type": "string", "description": "The postcode to check calendar availability"},
		"event_type": {"type": "string", "description": "The type of event to check availability for", "enum": ["Valuation", "Viewing"]}
	},
	"required": ["from_ts", "prop_postcode", "event_type"]
}`),
	}
}

func (c *GetFreeCalendarSlots) Execute(ctx context.Context, in Input, state *conversation.State) (Reply, error) {
	req, err := buildSlotsRequest(in)
	if err != nil {
		return Reply{}, err
	}

	slots, err := c.backend.GetCalendarSlots(ctx, req)
	if err != nil {
		c.logger.Error("calendar slot lookup failed", "error", err, "postcode", req.PropPostcode)
		return Reply{Result: Text(noSlotsMessage)}, nil
	}
	if state != nil {
		state.SetPurpose(req.EventType)
	}
	if len(slots) == 0 {
		return Reply{Result: Text(noSlotsMessage)}, nil
	}
	if len(slots) > MaxSlots {
		slots = slots[:MaxSlots]
	}
	return Reply{Result: Typed{Value: CalendarSlotsResult{Slots: slots}}}, nil
}

func buildSlotsRequest(in Input) (backend.CalendarSlotsRequest, error) {
	rawFrom, err := in.Require("from_ts")
	if err != nil {
		return backend.CalendarSlotsRequest{}, err
	}
	from, err := ParseISOTime(rawFrom)
	if err != nil {
		return backend.CalendarSlotsRequest{}, err
	}
	rawPostcode, err := in.Require("prop_postcode")
	if err != nil {
		return backend.CalendarSlotsRequest{}, err
	}
	eventType, err := in.Require("event_type")
	if err != nil {
		return backend.CalendarSlotsRequest{}, err
	}
	if err := validateEventType(eventType); err != nil {
		return backend.CalendarSlotsRequest{}, err
	}

	return backend.CalendarSlotsRequest{
		FromTS:       EpochMillis(from),
		ToTS:         EpochMillis(from.Add(CalendarLookahead)),
		PropPostcode: NormalizePostcode(rawPostcode),
		EventType:    eventType,
	}, nil
}

// NormalizePostcode keeps the outward code, e.g. "SW1A 1AA" becomes "SW1A".
func NormalizePostcode(postcode string) string {
	fields := strings.Fields(postcode)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func validateEventType(eventType string) error {
	switch conversation.Purpose(eventType) {
	case conversation.PurposeViewing, conversation.PurposeValuation:
		return nil
	case conversation.PurposeUnset:
		return errors.New("missing event_type")
	default:
		return fmt.Errorf("event_type must be Viewing or Valuation, got %q", eventType)
	}
}
