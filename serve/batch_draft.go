package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchDraftAction runs draft proposal for the running entries of the engine:
// every draft model proposes draftLength tokens per entry. Low-priority
// entries are preempted when the draft models cannot decode them all.
type BatchDraftAction struct {
	models          []Model
	logitProcessor  LogitProcessor
	sampler         Sampler
	modelWorkspaces []ModelWorkspace
	workspace       DraftTokenWorkspaceManager
	engineConfig    EngineConfig
	recorder        EventTraceRecorder
	draftLength     int

	// reused buffer holding the slots of the current round's draft tokens
	draftTokenSlots []int
	now             func() time.Time
}

var _ EngineAction = (*BatchDraftAction)(nil)

// NewBatchDraftAction creates the draft proposal action. models[0] is the
// verifier; recorder may be nil.
func NewBatchDraftAction(models []Model, logitProcessor LogitProcessor, sampler Sampler,
	modelWorkspaces []ModelWorkspace, workspace DraftTokenWorkspaceManager, engineConfig EngineConfig,
	recorder EventTraceRecorder, draftLength int) *BatchDraftAction {
	if draftLength <= 0 {
		panic(fmt.Sprintf("BatchDraftAction: draftLength must be > 0, got %d", draftLength))
	}
	if engineConfig.MaxNumSequence <= 0 {
		panic(fmt.Sprintf("BatchDraftAction: MaxNumSequence must be > 0, got %d", engineConfig.MaxNumSequence))
	}
	if len(modelWorkspaces) == 0 || modelWorkspaces[0].DraftProbsStorage == nil {
		panic("BatchDraftAction: modelWorkspaces[0] must carry draft probability storage")
	}
	return &BatchDraftAction{
		models:          models,
		logitProcessor:  logitProcessor,
		sampler:         sampler,
		modelWorkspaces: modelWorkspaces,
		workspace:       workspace,
		engineConfig:    engineConfig,
		recorder:        recorder,
		draftLength:     draftLength,
		now:             time.Now,
	}
}

// Step runs one draft proposal pass. It never finishes a request, so the
// result is always empty; a nil error with no state change means there was
// nothing to do (no draft model or no running entry).
func (a *BatchDraftAction) Step(ctx context.Context, estate *EngineState) ([]*Request, error) {
	if len(a.models) < 2 || estate.RunningQueue.Len() == 0 {
		return nil, nil
	}

	running := a.preemptUntilDecodable(estate)
	tstart := a.now()

	numEntries := len(running)
	if numEntries == 0 {
		logrus.Warnf("[tick %07d] draft proposal skipped: preemption emptied the running queue", estate.Tick)
		return nil, nil
	}
	checkMaxNumSequence(numEntries, a.engineConfig.MaxNumSequence)

	batch := newDraftBatch(running)
	verifierStates := batch.modelStates(0)
	var in roundInputs
	for modelID := 1; modelID < len(a.models); modelID++ {
		mstates := batch.modelStates(modelID)
		for draftID := 0; draftID < a.draftLength; draftID++ {
			roundStart := a.now()
			buildRoundInputs(draftID, verifierStates, mstates, batch.requestIDs, &in)
			if err := a.runDraftRound(ctx, estate, modelID, batch, mstates, &in, roundStart); err != nil {
				return nil, fmt.Errorf("draft model %d round %d: %w", modelID, draftID, err)
			}
		}
	}

	estate.Metrics.EngineDecodeTimeSum += a.now().Sub(tstart).Seconds()
	return nil, nil
}
