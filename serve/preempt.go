package serve

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// PreemptLastRunningRequestStateEntry evicts the lowest-priority running entry:
// its draft slots are freed in every model state, its sequence is released from
// the prefix cache or the models, and it is moved to the front of the waiting
// queue as pending. Committed tokens are kept for re-admission.
// Panics if the running queue is empty.
func PreemptLastRunningRequestStateEntry(estate *EngineState, models []Model,
	workspace DraftTokenWorkspaceManager, recorder EventTraceRecorder) *RequestStateEntry {
	rsentry := estate.RunningQueue.PopBack()
	if rsentry == nil {
		panic("PreemptLastRunningRequestStateEntry: running queue is empty")
	}

	var slots []int
	for _, mstate := range rsentry.MStates {
		slots = mstate.RemoveAllDraftTokens(slots[:0])
		if len(slots) > 0 {
			workspace.FreeSlots(slots)
		}
		mstate.NumTokensForNextDecode = 0
	}

	internalID := rsentry.MStates[0].InternalID
	if estate.PrefixCache.HasSequence(internalID) {
		estate.PrefixCache.RecycleSequence(internalID, false)
	} else {
		RemoveFromModels(models)(internalID)
	}

	rsentry.Status = StatusPending
	estate.WaitingQueue.PrependFront(rsentry)
	estate.Metrics.NumPreemptions++
	recordEvent(recorder, []string{rsentry.Request.ID}, "preempt")
	logrus.Warnf("[tick %07d] preemption: evicting %s (sequence %d) to make room", estate.Tick, rsentry.Request.ID, internalID)
	return rsentry
}

// preemptUntilDecodable shrinks the running set until every draft model can
// decode it. Prefix-cache reclamation is tried before each eviction.
// Returns the surviving entries, possibly none.
func (a *BatchDraftAction) preemptUntilDecodable(estate *EngineState) []*RequestStateEntry {
	running := estate.GetRunningRequestStateEntries()
	for !CanDecode(a.models, len(running)) {
		if estate.PrefixCache.TryFreeMemory() {
			estate.Metrics.NumPrefixCacheFrees++
			continue
		}
		if estate.RunningQueue.Len() == 0 {
			break
		}
		preempted := PreemptLastRunningRequestStateEntry(estate, a.models, a.workspace, a.recorder)
		if len(running) > 0 && preempted == running[len(running)-1] {
			running = running[:len(running)-1]
		}
	}
	return running
}

func checkMaxNumSequence(numEntries, maxNumSequence int) {
	if numEntries > maxNumSequence {
		panic(fmt.Sprintf("running entries (%d) exceed max_num_sequence (%d): "+
			"an admission action let in more sequences than configured", numEntries, maxNumSequence))
	}
}
