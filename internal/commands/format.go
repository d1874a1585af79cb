package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pgvoice/voiceagent/internal/protocol"
)

// Result is the closed set of shapes a command may return. Only Format
// consumes it.
type Result interface {
	isResult()
}

// Serialized is output that is already a JSON object or array.
type Serialized string

// Typed is a command-specific struct with its own JSON shape.
type Typed struct{ Value any }

// Generic is a map or slice serialized as-is.
type Generic struct{ Value any }

// Scalar is any other value; it is wrapped as {"result": value}.
type Scalar struct{ Value any }

func (Serialized) isResult() {}
func (Typed) isResult()      {}
func (Generic) isResult()    {}
func (Scalar) isResult()     {}

// Text is the conversational answer a command gives instead of a protocol error.
func Text(s string) Result {
	return Scalar{Value: s}
}

// ErrorResult is the envelope used when a tool call cannot be executed.
func ErrorResult(msg string) Result {
	return Generic{Value: map[string]string{"error": msg}}
}

// Classify picks the Result variant for an arbitrary value, checking in order:
// pre-serialized JSON text, typed struct, generic map or slice, scalar.
func Classify(v any) Result {
	if r, ok := v.(Result); ok {
		return r
	}
	if s, ok := v.(string); ok && looksSerialized(s) {
		return Serialized(s)
	}
	if v == nil {
		return Scalar{Value: nil}
	}
	if _, ok := v.(json.Marshaler); ok {
		return Typed{Value: v}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		return Typed{Value: v}
	case reflect.Map, reflect.Slice, reflect.Array:
		return Generic{Value: v}
	default:
		return Scalar{Value: v}
	}
}

// Format renders a result as the tool-call response sent upstream.
func Format(result Result, callID string) protocol.FunctionCallResponse {
	return protocol.NewFunctionCallResponse(callID, formatOutput(result))
}

func formatOutput(result Result) string {
	switch r := result.(type) {
	case Serialized:
		if looksSerialized(string(r)) {
			return string(r)
		}
		return marshalOutput(map[string]any{"result": string(r)})
	case Typed:
		return marshalOutput(r.Value)
	case Generic:
		return marshalOutput(r.Value)
	case Scalar:
		return marshalOutput(map[string]any{"result": r.Value})
	case nil:
		return marshalOutput(map[string]any{"result": nil})
	default:
		return marshalOutput(map[string]any{"error": fmt.Sprintf("unsupported result %T", result)})
	}
}

func looksSerialized(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func marshalOutput(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf(`{"error": %q}`, "could not serialize result: "+err.Error())
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
