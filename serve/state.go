package serve

// EngineState is the engine-wide state shared by all engine actions.
// The running queue and prefix cache are owned by the engine; actions mutate
// them only through preemption and prefix-cache commits.
type EngineState struct {
	RunningQueue *RunningQueue
	WaitingQueue *WaitQueue
	PrefixCache  PrefixCache
	Metrics      *EngineMetrics
	// Tick counts engine steps, used as the log prefix.
	Tick int64
}

// NewEngineState creates an empty engine state around a prefix cache.
func NewEngineState(prefixCache PrefixCache) *EngineState {
	if prefixCache == nil {
		panic("NewEngineState: prefixCache must not be nil")
	}
	return &EngineState{
		RunningQueue: &RunningQueue{},
		WaitingQueue: &WaitQueue{},
		PrefixCache:  prefixCache,
		Metrics:      NewEngineMetrics(),
	}
}

// GetRunningRequestStateEntries returns a snapshot of the alive running entries, head first.
func (es *EngineState) GetRunningRequestStateEntries() []*RequestStateEntry {
	entries := make([]*RequestStateEntry, 0, es.RunningQueue.Len())
	for _, rs := range es.RunningQueue.Items() {
		if rs.Status == StatusAlive {
			entries = append(entries, rs)
		}
	}
	return entries
}
