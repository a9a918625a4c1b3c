package trace

// TraceSummary aggregates statistics from a Recorder.
type TraceSummary struct {
	TotalEvents    int
	UniqueRequests int
	Preemptions    int
	EventCounts    map[string]int // event name → occurrences
}

// Summarize computes aggregate statistics from a Recorder.
// Safe for nil or empty recorders (returns zero-value fields).
func Summarize(r *Recorder) *TraceSummary {
	summary := &TraceSummary{
		EventCounts: make(map[string]int),
	}
	if r == nil {
		return summary
	}

	requests := make(map[string]bool)
	for _, e := range r.Events() {
		summary.TotalEvents++
		summary.EventCounts[e.Event]++
		requests[e.RequestID] = true
	}
	summary.UniqueRequests = len(requests)
	summary.Preemptions = summary.EventCounts["preempt"]
	return summary
}
