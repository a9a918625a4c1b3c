package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock advances one millisecond per reading.
func steppingClock() func() time.Time {
	base := time.Unix(100, 0)
	n := 0
	return func() time.Time {
		t := base.Add(time.Duration(n) * time.Millisecond)
		n++
		return t
	}
}

func TestRecorder_AddEvent_OneRecordPerRequest(t *testing.T) {
	// GIVEN a recorder
	r := NewRecorderWithClock(steppingClock())

	// WHEN an event is recorded for two requests
	r.AddEvent([]string{"a", "b"}, "start proposal decode")
	r.AddEvent([]string{"a"}, "finish proposal decode")

	// THEN each request gets its own record with a shared timestamp
	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventRecord{RequestID: "a", Event: "start proposal decode", Timestamp: 1000}, events[0])
	assert.Equal(t, events[0].Timestamp, events[1].Timestamp)
	assert.Equal(t, int64(2000), events[2].Timestamp)
	assert.Equal(t, []string{"start proposal decode", "finish proposal decode"}, r.EventsFor("a"))
	assert.Equal(t, []string{"start proposal decode"}, r.EventsFor("b"))
}

func TestRecorder_ChromeEvents_SpansAndInstants(t *testing.T) {
	r := NewRecorderWithClock(steppingClock())
	r.AddEvent([]string{"a"}, "start proposal embedding")
	r.AddEvent([]string{"a"}, "finish proposal embedding")
	r.AddEvent([]string{"a"}, "preempt")

	events := r.ChromeEvents()

	require.Len(t, events, 3)
	assert.Equal(t, "proposal embedding", events[0].Name)
	assert.Equal(t, "B", events[0].Phase)
	assert.Equal(t, "E", events[1].Phase)
	assert.Equal(t, "preempt", events[2].Name)
	assert.Equal(t, "i", events[2].Phase)
	assert.Equal(t, "a", events[2].TID)
}

func TestRecorder_WriteFile_IsChromeTraceJSON(t *testing.T) {
	// GIVEN a recorder with one span
	r := NewRecorderWithClock(steppingClock())
	r.AddEvent([]string{"a"}, "start proposal decode")
	r.AddEvent([]string{"a"}, "finish proposal decode")

	// WHEN it is written to disk
	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, r.WriteFile(path))

	// THEN the file decodes as a list of trace events
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "B", decoded[0]["ph"])
	assert.Equal(t, "proposal decode", decoded[0]["name"])
	assert.NotContains(t, decoded[0], "s")
}

func TestIsValidTraceLevel(t *testing.T) {
	assert.True(t, IsValidTraceLevel("none"))
	assert.True(t, IsValidTraceLevel("events"))
	assert.True(t, IsValidTraceLevel(""))
	assert.False(t, IsValidTraceLevel("verbose"))
}

func TestSummarize(t *testing.T) {
	// GIVEN a nil recorder
	// THEN the summary is empty
	empty := Summarize(nil)
	assert.Equal(t, 0, empty.TotalEvents)
	assert.NotNil(t, empty.EventCounts)

	// GIVEN recorded events across two requests
	r := NewRecorder()
	r.AddEvent([]string{"a", "b"}, "start proposal decode")
	r.AddEvent([]string{"b"}, "preempt")

	// WHEN summarized
	s := Summarize(r)

	// THEN counts are aggregated
	assert.Equal(t, 3, s.TotalEvents)
	assert.Equal(t, 2, s.UniqueRequests)
	assert.Equal(t, 1, s.Preemptions)
	assert.Equal(t, 2, s.EventCounts["start proposal decode"])
}
