package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/policy"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

const noInputMessage = "No input data provided for function call."

// Outcome statuses, used as metric labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

// Call is one tool-call request as received from the agent.
type Call struct {
	Name     string
	ID       string
	RawInput string
}

// Reply is what a command produces on success.
type Reply struct {
	Result Result
	// Announcement, when set, is spoken by the agent before the session ends.
	Announcement string
	EndSession   bool
}

// Command is one tool the agent may call.
type Command interface {
	Name() string
	Definition() protocol.FunctionDefinition
	Execute(ctx context.Context, in Input, state *conversation.State) (Reply, error)
}

// Outcome is everything the bridge must send after a dispatch.
type Outcome struct {
	Response     protocol.FunctionCallResponse
	Announcement *protocol.InjectAgentMessage
	EndSession   bool
	Status       string
}

// Registry routes tool calls to commands by name.
type Registry struct {
	commands map[string]Command
	order    []string
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger, cmds ...Command) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		commands: make(map[string]Command, len(cmds)),
		logger:   logger.With("component", "commands"),
	}
	for _, c := range cmds {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a command.
func (r *Registry) Register(c Command) {
	name := c.Name()
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = c
}

// Definitions lists tool definitions in registration order.
func (r *Registry) Definitions() []protocol.FunctionDefinition {
	out := make([]protocol.FunctionDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name].Definition())
	}
	return out
}

// Dispatch executes one tool call. It never panics and always yields a
// response for the agent; the tool name is recorded before anything else.
func (r *Registry) Dispatch(ctx context.Context, call Call, state *conversation.State) (out Outcome) {
	if state != nil {
		state.RecordToolCall(call.Name)
	}
	logger := r.logger.With("tool", call.Name, "function_call_id", call.ID)
	logger.Debug("tool call received", "input", policy.ForLog(call.RawInput))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool call panicked", "panic", rec, "stack", string(debug.Stack()))
			out = errorOutcome(call, fmt.Sprintf("Error executing function call %s: internal error", call.Name))
		}
	}()

	cmd, ok := r.commands[call.Name]
	if !ok {
		logger.Warn("unknown tool call")
		out = errorOutcome(call, "Unknown function call: "+call.Name)
		out.Status = StatusUnknown
		return out
	}

	in, err := ParseInput(call.RawInput)
	if err != nil {
		logger.Warn("tool call input rejected", "error", err)
		if errors.Is(err, errEmptyInput) {
			return errorOutcome(call, noInputMessage)
		}
		return errorOutcome(call, executionError(call.Name, err))
	}

	reply, err := cmd.Execute(ctx, in, state)
	if err != nil {
		logger.Warn("tool call failed", "error", err)
		return errorOutcome(call, executionError(call.Name, err))
	}

	out = Outcome{
		Response:   Format(reply.Result, call.ID),
		EndSession: reply.EndSession,
		Status:     StatusOK,
	}
	if reply.Announcement != "" {
		msg := protocol.NewInjectAgentMessage(reply.Announcement)
		out.Announcement = &msg
	}
	return out
}

func executionError(name string, err error) string {
	return fmt.Sprintf("Error executing function call %s: %v", name, err)
}

func errorOutcome(call Call, msg string) Outcome {
	return Outcome{
		Response: Format(ErrorResult(msg), call.ID),
		Status:   StatusError,
	}
}

// Backend is the full property backend contract used by the built-in tools.
type Backend interface {
	PropertySearcher
	SlotFinder
	AppointmentBooker
}

// NewDefaultRegistry registers every built-in tool.
func NewDefaultRegistry(b Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return NewRegistry(logger,
		NewSearchProperties(b, logger),
		NewGetFreeCalendarSlots(b, logger),
		NewCreateAppointment(b, logger),
		NewEndCall(),
	)
}
