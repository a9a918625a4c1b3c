// Package serve provides the speculative-decoding draft proposal core of a
// continuous-batching inference engine.
//
// # Reading Guide
//
// Start with these files:
//   - request.go: per-request state (RequestStateEntry, RequestModelState, draft chains)
//   - batch_draft.go: the BatchDraft engine action, its preemption loop and round loop
//   - round.go: one proposal round (embed, decode/prefill, logits, sampling, slots)
//
// # Architecture
//
// The serve package owns the data model and the collaborator interfaces; the
// reference implementations live in sub-packages:
//   - serve/kv/: page pool and prefix cache (registered via init())
//   - serve/model/: host-side reference model backend
//   - serve/sample/: reference logit processor and sampler
//   - serve/trace/: event trace recorder
//
// serve/kv registers its prefix cache through the package-level factory
// variable NewPrefixCacheFunc, breaking the import cycle between serve
// (interface owner) and serve/kv (implementation).
//
// # Key Interfaces
//
//   - Model: embedding, batched decode/prefill, draft probability scatter, page capacity
//   - LogitProcessor: in-place logit adjustment and probability computation
//   - Sampler: top-p renormalisation and per-request sampling
//   - PrefixCache: memory reclamation and deferred sequence-extension commits
//   - DraftTokenWorkspaceManager: draft probability slot allocation
//   - EngineAction: one engine tick action
package serve
