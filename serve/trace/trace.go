package trace

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// TraceLevel controls the verbosity of event tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEvents captures every engine event.
	TraceLevelEvents TraceLevel = "events"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelEvents: true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Recorder collects events in arrival order.
//
// Thread-safety: safe for concurrent use. Draft rounds record from the
// device goroutine while the engine records preemptions on the host.
type Recorder struct {
	mu     sync.Mutex
	start  time.Time
	now    func() time.Time
	events []EventRecord
}

// NewRecorder creates a recorder using the wall clock.
func NewRecorder() *Recorder {
	return NewRecorderWithClock(time.Now)
}

// NewRecorderWithClock creates a recorder that reads time from now.
func NewRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{start: now(), now: now, events: make([]EventRecord, 0)}
}

// AddEvent appends event for every request id, all with the same timestamp.
func (r *Recorder) AddEvent(requestIDs []string, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now().Sub(r.start).Microseconds()
	for _, id := range requestIDs {
		r.events = append(r.events, EventRecord{RequestID: id, Event: event, Timestamp: ts})
	}
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventRecord(nil), r.events...)
}

// EventsFor returns the event names recorded for requestID, in order.
func (r *Recorder) EventsFor(requestID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		if e.RequestID == requestID {
			names = append(names, e.Event)
		}
	}
	return names
}

// ChromeEvents converts the records to Chrome trace events. Events named
// "start X" and "finish X" become begin/end pairs of a span X; anything
// else is an instant event.
func (r *Recorder) ChromeEvents() []ChromeEvent {
	events := r.Events()
	out := make([]ChromeEvent, 0, len(events))
	for _, e := range events {
		ce := ChromeEvent{Category: "engine", Timestamp: e.Timestamp, PID: 0, TID: e.RequestID}
		switch {
		case strings.HasPrefix(e.Event, "start "):
			ce.Name, ce.Phase = strings.TrimPrefix(e.Event, "start "), "B"
		case strings.HasPrefix(e.Event, "finish "):
			ce.Name, ce.Phase = strings.TrimPrefix(e.Event, "finish "), "E"
		default:
			ce.Name, ce.Phase, ce.Scope = e.Event, "i", "t"
		}
		out = append(out, ce)
	}
	return out
}

// DumpJSON returns the Chrome trace as JSON.
func (r *Recorder) DumpJSON() ([]byte, error) {
	data, err := json.MarshalIndent(r.ChromeEvents(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	return data, nil
}

// WriteFile writes the Chrome trace to path.
func (r *Recorder) WriteFile(path string) error {
	data, err := r.DumpJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}
