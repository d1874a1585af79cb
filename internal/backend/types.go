package backend

// Property is one record returned by the property search endpoint. ExternalID
// is the identifier agents and appointments refer to.
type Property struct {
	ExternalID string `json:"external_id"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Country    string `json:"country"`
	State      string `json:"state"`
	Postcode   string `json:"postcode"`
}

type searchPropertyRequest struct {
	SearchAddress string `json:"search_address"`
}

type searchPropertyResponse struct {
	Items []Property `json:"items"`
}

// Slot is a free calendar window for one agent.
type Slot struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// CalendarSlotsRequest bounds are millisecond epoch timestamps.
type CalendarSlotsRequest struct {
	FromTS       int64  `json:"from_ts"`
	ToTS         int64  `json:"to_ts"`
	PropPostcode string `json:"prop_postcode"`
	EventType    string `json:"event_type"`
}

type calendarSlotsResponse struct {
	Slots []Slot `json:"slots"`
}

// AppointmentRequest start and end are millisecond epoch timestamps.
type AppointmentRequest struct {
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	AgentID    string `json:"agent_id"`
	EventType  string `json:"event_type"`
	PropertyID string `json:"property_id"`
}
