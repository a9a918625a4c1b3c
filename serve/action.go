package serve

import "context"

// EngineAction is one step of the engine loop. Step returns the requests it
// finished; an empty result with a nil error means the action had nothing to do
// or only advanced internal state.
type EngineAction interface {
	Step(ctx context.Context, estate *EngineState) ([]*Request, error)
}
