// Package trace records per-request engine events and exports them as a
// Chrome trace. This package has no dependencies on serve/; it stores pure data types.
package trace

// EventRecord is one named event of one request.
type EventRecord struct {
	RequestID string
	Event     string
	Timestamp int64 // microseconds since the recorder was created
}

// ChromeEvent is one entry of the Chrome trace event format.
type ChromeEvent struct {
	Name      string `json:"name"`
	Category  string `json:"cat"`
	Phase     string `json:"ph"`
	Timestamp int64  `json:"ts"`
	PID       int    `json:"pid"`
	TID       string `json:"tid"`
	Scope     string `json:"s,omitempty"` // instant events only
}
