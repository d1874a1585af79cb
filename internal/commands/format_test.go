package commands

import (
	"testing"
)

type sample struct {
	B string `json:"b"`
	A int    `json:"a"`
}

func TestClassifyOrder(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{name: "serialized object", in: `{"x":1}`, want: "serialized"},
		{name: "serialized array", in: `[1,2]`, want: "serialized"},
		{name: "typed struct", in: sample{B: "b"}, want: "typed"},
		{name: "typed pointer", in: &sample{}, want: "typed"},
		{name: "generic map", in: map[string]int{"a": 1}, want: "generic"},
		{name: "generic slice", in: []string{"a"}, want: "generic"},
		{name: "plain string", in: "hello", want: "scalar"},
		{name: "number", in: 42, want: "scalar"},
		{name: "nil", in: nil, want: "scalar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			switch Classify(tc.in).(type) {
			case Serialized:
				got = "serialized"
			case Typed:
				got = "typed"
			case Generic:
				got = "generic"
			case Scalar:
				got = "scalar"
			}
			if got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestFormatOutputs(t *testing.T) {
	cases := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name:   "serialized passthrough untouched",
			result: Serialized(`{"already":"json"}`),
			want:   `{"already":"json"}`,
		},
		{
			name:   "serialized without brace is wrapped",
			result: Serialized(`plain`),
			want:   "{\n    \"result\": \"plain\"\n}",
		},
		{
			name:   "typed keeps field order",
			result: Typed{Value: sample{B: "x", A: 2}},
			want:   "{\n    \"b\": \"x\",\n    \"a\": 2\n}",
		},
		{
			name:   "generic map",
			result: Generic{Value: map[string]string{"status": "closing", "message": "bye"}},
			want:   "{\n    \"message\": \"bye\",\n    \"status\": \"closing\"\n}",
		},
		{
			name:   "scalar wrapped",
			result: Text("Appointment created successfully"),
			want:   "{\n    \"result\": \"Appointment created successfully\"\n}",
		},
		{
			name:   "scalar number",
			result: Scalar{Value: 3},
			want:   "{\n    \"result\": 3\n}",
		},
		{
			name:   "html is not escaped",
			result: Text("<b>&</b>"),
			want:   "{\n    \"result\": \"<b>&</b>\"\n}",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := Format(tc.result, "call-1")
			if resp.FunctionCallID != "call-1" {
				t.Fatalf("FunctionCallID = %q", resp.FunctionCallID)
			}
			if resp.Type != "FunctionCallResponse" {
				t.Fatalf("Type = %q", resp.Type)
			}
			if resp.Output != tc.want {
				t.Fatalf("Output = %q, want %q", resp.Output, tc.want)
			}
		})
	}
}

func TestErrorResultShape(t *testing.T) {
	got := Format(ErrorResult("Unknown function call: x"), "id").Output
	want := "{\n    \"error\": \"Unknown function call: x\"\n}"
	if got != want {
		t.Fatalf("Output = %q, want %q", got, want)
	}
}
