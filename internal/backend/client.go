package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pgvoice/voiceagent/internal/reliability"
)

const (
	pathCalendarSlots  = "/calendar_slots"
	pathPropertySearch = "/property_search_address"
	pathAppointment    = "/calendar"
)

var ErrNotConfigured = errors.New("property backend is not configured")

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s status %d: %s", e.Path, e.StatusCode, e.Body)
}

type Options struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client talks to the property backend over JSON POST requests.
type Client struct {
	baseURL     string
	token       string
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	capDur := opts.BackoffCap
	if capDur <= 0 {
		capDur = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:       strings.TrimSpace(opts.Token),
		client:      httpClient,
		maxRetries:  retries,
		backoffBase: base,
		backoffCap:  capDur,
		logger:      logger.With("component", "backend"),
	}
}

func (c *Client) SearchProperty(ctx context.Context, address string) ([]Property, error) {
	var out searchPropertyResponse
	if err := c.post(ctx, pathPropertySearch, searchPropertyRequest{SearchAddress: address}, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetCalendarSlots accepts either a bare JSON array or an object with a slots
// field.
func (c *Client) GetCalendarSlots(ctx context.Context, req CalendarSlotsRequest) ([]Slot, error) {
	var raw json.RawMessage
	if err := c.post(ctx, pathCalendarSlots, req, &raw, true); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var slots []Slot
		if err := json.Unmarshal(trimmed, &slots); err != nil {
			return nil, fmt.Errorf("decode calendar slots: %w", err)
		}
		return slots, nil
	}
	var wrapped calendarSlotsResponse
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode calendar slots: %w", err)
	}
	return wrapped.Slots, nil
}

// CreateAppointment books a viewing. A booking may already be committed when
// the backend answers 5xx, so it is only resent on 429 and 503.
func (c *Client) CreateAppointment(ctx context.Context, req AppointmentRequest) error {
	return c.post(ctx, pathAppointment, req, nil, false)
}

// post sends one JSON request. Idempotent calls retry transient transport
// errors and retryable statuses; the rest retry only statuses the backend did
// not process.
func (c *Client) post(ctx context.Context, path string, in any, out any, idempotent bool) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap)
			c.logger.Warn("retrying backend request", "path", path, "attempt", attempt, "wait", wait, "error", lastErr)
			if err := reliability.Sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		retry, err := c.do(ctx, path, payload, out, idempotent)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any, idempotent bool) (retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return idempotent && reliability.IsRetryableError(err), fmt.Errorf("send request %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		retry := reliability.IsUnprocessedHTTPStatus(res.StatusCode)
		if idempotent {
			retry = reliability.IsRetryableHTTPStatus(res.StatusCode)
		}
		return retry, &StatusError{
			Path:       path,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return false, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("decode %s response: %w", path, err)
	}
	return false, nil
}
