package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a finished conversation as handed to the store.
type Record struct {
	ID          int64             `json:"id"`
	Duration    int               `json:"duration"`
	StartedAt   time.Time         `json:"started_at"`
	Topic       string            `json:"topic,omitempty"`
	Purpose     Purpose           `json:"purpose,omitempty"`
	LeadCreated bool              `json:"lead_created"`
	ToolCalls   []string          `json:"tool_calls"`
	Transcript  []json.RawMessage `json:"transcript"`
	Lead        *LeadInfo         `json:"lead,omitempty"`
	LeadID      *uuid.UUID        `json:"lead_id,omitempty"`
}
