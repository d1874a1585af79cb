package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errEmptyInput  = errors.New("no input data provided")
	errInputNotMap = errors.New("input is not a JSON object")
)

// Input is the decoded argument object of one tool call.
type Input map[string]any

// ParseInput decodes raw tool input. Anything but a JSON object is rejected.
func ParseInput(raw string) (Input, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errEmptyInput
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errInputNotMap
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid input: trailing data after object")
	}
	if in == nil {
		return nil, errInputNotMap
	}
	return Input(in), nil
}

// String returns a trimmed string field. Numbers are accepted in their JSON form.
func (in Input) String(key string) (string, bool) {
	v, ok := in[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func (in Input) Require(key string) (string, error) {
	if v, ok := in[key]; ok && v != nil {
		switch v.(type) {
		case string, json.Number:
		default:
			return "", fmt.Errorf("field %q must be a string", key)
		}
	}
	s, ok := in.String(key)
	if !ok {
		return "", fmt.Errorf("missing required field %q", key)
	}
	return s, nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseISOTime parses ISO-8601 timestamps. Values without an offset are UTC.
func ParseISOTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}

// EpochMillis truncates to whole seconds before scaling.
func EpochMillis(t time.Time) int64 {
	return t.Unix() * 1000
}
