package commands

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/pgvoice/voiceagent/internal/backend"
	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

const (
	NameCreateAppointment = "createAppointment"

	appointmentCreatedMessage    = "Appointment created successfully"
	appointmentNotCreatedMessage = "Couldn't create appointment"
)

// AppointmentBooker is the slice of the property backend used for booking.
type AppointmentBooker interface {
	CreateAppointment(ctx context.Context, req backend.AppointmentRequest) error
}

type CreateAppointment struct {
	backend AppointmentBooker
	logger  *slog.Logger
}

func NewCreateAppointment(b AppointmentBooker, logger *slog.Logger) *CreateAppointment {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreateAppointment{backend: b, logger: logger}
}

func (c *CreateAppointment) Name() string { return NameCreateAppointment }

func (c *CreateAppointment) Definition() protocol.FunctionDefinition {
	return protocol.FunctionDefinition{
		Name:        NameCreateAppointment,
		Description: "Use this function to create a new appointment for valuation or viewing",
		Parameters: json.RawMessage(`{
	"type": "object",
	"properties": {
		"start": {"type": "string", "description": "Appointment start time (ISO format)"},
		"end": {"type": "string", "description": "Appointment end time (ISO format)"},
		"name": {"type": "string", "description": "The name of the client"},
		"address": {"type": "string", "description": "The appointment address"},
		"email": {"type": ["string", "null"], "description": "Contact email"},
		"phone": {"type": ["string", "null"], "description": "Contact mobile phone"},
		"agent_id": {"type": "string", "description": "ID of the assigned agent"},
		"event_type": {"type": "string", "enum": ["Valuation", "Viewing"], "description": "Type of appointment: valuation or viewing"},
		"property_id": {"type": "string", "description": "ID of the property involved"},
		"additional_information": {"type": "string", "description": "Any extra info about the appointment"}
	},
	"required": ["start", "end", "name", "address", "agent_id", "event_type", "property_id", "email", "phone"]
}`),
	}
}

func (c *CreateAppointment) Execute(ctx context.Context, in Input, state *conversation.State) (Reply, error) {
	req, err := buildAppointmentRequest(in)
	if err != nil {
		return Reply{}, err
	}

	if err := c.backend.CreateAppointment(ctx, req); err != nil {
		c.logger.Error("appointment creation failed", "error", err, "event_type", req.EventType)
		return Reply{Result: Text(appointmentNotCreatedMessage)}, nil
	}
	if state != nil {
		state.MarkLeadCreated(conversation.LeadInfo{
			Name:  req.Name,
			Email: req.Email,
			Phone: req.Phone,
		})
	}
	return Reply{Result: Text(appointmentCreatedMessage)}, nil
}

func buildAppointmentRequest(in Input) (backend.AppointmentRequest, error) {
	var req backend.AppointmentRequest

	rawStart, err := in.Require("start")
	if err != nil {
		return req, err
	}
	rawEnd, err := in.Require("end")
	if err != nil {
		return req, err
	}
	start, err := ParseISOTime(rawStart)
	if err != nil {
		return req, err
	}
	end, err := ParseISOTime(rawEnd)
	if err != nil {
		return req, err
	}
	if end.Before(start) {
		return req, errors.New("end must not be before start")
	}

	fields := []struct {
		key string
		dst *string
	}{
		{"name", &req.Name},
		{"address", &req.Address},
		{"agent_id", &req.AgentID},
		{"event_type", &req.EventType},
		{"property_id", &req.PropertyID},
	}
	for _, f := range fields {
		v, err := in.Require(f.key)
		if err != nil {
			return req, err
		}
		*f.dst = v
	}
	if err := validateEventType(req.EventType); err != nil {
		return req, err
	}

	req.Email, _ = in.String("email")
	req.Phone, _ = in.String("phone")
	if req.Email == "" && req.Phone == "" {
		if contact, ok := in.String("contact"); ok {
			if strings.Contains(contact, "@") {
				req.Email = contact
			} else {
				req.Phone = contact
			}
		}
	}
	if req.Email == "" && req.Phone == "" {
		return req, errors.New("at least one of email or phone must be provided")
	}

	req.Start = EpochMillis(start)
	req.End = EpochMillis(end)
	return req, nil
}
