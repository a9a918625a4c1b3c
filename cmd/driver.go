package cmd

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/specdraft/serve"
	"github.com/inference-sim/specdraft/serve/kv"
	"github.com/inference-sim/specdraft/serve/model"
	"github.com/inference-sim/specdraft/serve/sample"
	"github.com/inference-sim/specdraft/serve/trace"
)

// WorkloadConfig describes the synthetic requests driven through the engine.
type WorkloadConfig struct {
	NumRequests  int
	PromptTokens int
	SharedPrefix int // leading prompt tokens common to every request
	OutputTokens int
	WarmupTokens int     // tokens the verifier commits alone before the first draft pass
	AcceptRate   float64 // probability that the verifier accepts each draft token
	MaxTicks     int
}

// DefaultWorkloadConfig returns a small workload that finishes in a few hundred ticks.
func DefaultWorkloadConfig() WorkloadConfig {
	return WorkloadConfig{
		NumRequests:  8,
		PromptTokens: 64,
		SharedPrefix: 32,
		OutputTokens: 32,
		WarmupTokens: 2,
		AcceptRate:   0.7,
		MaxTicks:     10000,
	}
}

// Validate checks the workload ranges.
func (w WorkloadConfig) Validate() error {
	switch {
	case w.NumRequests <= 0:
		return fmt.Errorf("requests must be > 0, got %d", w.NumRequests)
	case w.PromptTokens <= 0:
		return fmt.Errorf("prompt-tokens must be > 0, got %d", w.PromptTokens)
	case w.SharedPrefix < 0 || w.SharedPrefix > w.PromptTokens:
		return fmt.Errorf("shared-prefix must be in [0, %d], got %d", w.PromptTokens, w.SharedPrefix)
	case w.OutputTokens <= 0:
		return fmt.Errorf("output-tokens must be > 0, got %d", w.OutputTokens)
	case w.WarmupTokens < 0:
		return fmt.Errorf("warmup-tokens must be >= 0, got %d", w.WarmupTokens)
	case w.AcceptRate < 0 || w.AcceptRate > 1:
		return fmt.Errorf("accept-rate must be in [0, 1], got %v", w.AcceptRate)
	case w.MaxTicks <= 0:
		return fmt.Errorf("ticks must be > 0, got %d", w.MaxTicks)
	}
	return nil
}

// RunResult summarizes one engine run.
type RunResult struct {
	Metrics         *serve.EngineMetrics
	Finished        []*serve.Request
	Ticks           int
	ProposedTokens  int64
	AcceptedTokens  int64
	PrefixHitTokens int64
}

// AcceptanceRate returns accepted / proposed draft tokens, 0 when nothing was proposed.
func (r *RunResult) AcceptanceRate() float64 {
	if r.ProposedTokens == 0 {
		return 0
	}
	return float64(r.AcceptedTokens) / float64(r.ProposedTokens)
}

// driver runs the draft proposal action inside a minimal engine loop:
// admission with prefill, draft proposal, and a simulated verifier.
type driver struct {
	cfg       serve.EngineConfig
	wl        WorkloadConfig
	backends  []*model.Backend
	models    []serve.Model
	estate    *serve.EngineState
	action    serve.EngineAction
	workspace *serve.DraftTokenWorkspace
	lp        *sample.LogitProcessor
	sampler   *sample.Sampler
	key       serve.EngineKey
	accept    *rand.Rand
	nextID    int64
	slots     []int
	result    RunResult
}

func newDriver(cfg serve.EngineConfig, wl WorkloadConfig, recorder *trace.Recorder) *driver {
	backends := model.NewModels(cfg)
	models := model.AsModels(backends)
	prefixCache := serve.NewPrefixCache(cfg.PrefixCache, serve.RemoveFromModels(models), cfg.PageSize)
	estate := serve.NewEngineState(prefixCache)

	capacity := cfg.WorkspaceCapacity()
	workspace := serve.NewDraftTokenWorkspace(capacity)
	modelWorkspaces := make([]serve.ModelWorkspace, len(models))
	modelWorkspaces[0].DraftProbsStorage = serve.NewDraftProbsStorage(capacity, cfg.Models[0].VocabSize)

	var rec serve.EventTraceRecorder
	if recorder != nil {
		rec = recorder
	}
	lp := sample.NewLogitProcessor()
	sampler := sample.NewSampler()
	return &driver{
		cfg:       cfg,
		wl:        wl,
		backends:  backends,
		models:    models,
		estate:    estate,
		action:    serve.NewBatchDraftAction(models, lp, sampler, modelWorkspaces, workspace, cfg, rec, cfg.SpecDraftLength),
		workspace: workspace,
		lp:        lp,
		sampler:   sampler,
		key:       serve.NewEngineKey(cfg.Seed),
		accept:    rand.New(rand.NewSource(cfg.Seed)),
		result:    RunResult{Metrics: estate.Metrics},
	}
}

// RunEngine drives wl through an engine built from cfg until every request
// finishes or wl.MaxTicks is reached. recorder may be nil.
func RunEngine(ctx context.Context, cfg serve.EngineConfig, wl WorkloadConfig, recorder *trace.Recorder) (*RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if err := wl.Validate(); err != nil {
		return nil, fmt.Errorf("workload: %w", err)
	}
	d := newDriver(cfg, wl, recorder)
	d.enqueueRequests()
	if err := d.run(ctx); err != nil {
		return nil, err
	}
	return &d.result, nil
}

// enqueueRequests generates the workload. Request ids are name-based UUIDs
// so a fixed seed reproduces the same ids and sampling seeds.
func (d *driver) enqueueRequests() {
	rng := rand.New(rand.NewSource(d.cfg.Seed))
	vocab := d.cfg.Models[0].VocabSize
	shared := make([]int, d.wl.SharedPrefix)
	for i := range shared {
		shared[i] = rng.Intn(vocab)
	}
	for i := 0; i < d.wl.NumRequests; i++ {
		tokens := append([]int(nil), shared...)
		for len(tokens) < d.wl.PromptTokens {
			tokens = append(tokens, rng.Intn(vocab))
		}
		genCfg := serve.DefaultGenerationConfig()
		genCfg.MaxTokens = d.wl.OutputTokens
		req := &serve.Request{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("specdraft/%d/%d", d.cfg.Seed, i))).String(),
			InputTokens:   tokens,
			GenerationCfg: genCfg,
		}
		entry := serve.NewRequestStateEntry(req, d.nextID, len(d.models), d.key.ForRequest(req))
		entry.Status = serve.StatusPending
		d.nextID++
		d.estate.WaitingQueue.Enqueue(entry)
	}
}

func (d *driver) run(ctx context.Context) error {
	for tick := 0; tick < d.wl.MaxTicks; tick++ {
		d.estate.Tick = int64(tick)
		d.result.Ticks = tick + 1
		if err := d.admit(ctx); err != nil {
			return err
		}
		if d.estate.RunningQueue.Len() == 0 {
			if d.estate.WaitingQueue.Len() == 0 {
				return nil
			}
			logrus.Warnf("[tick %07d] nothing running, %d waiting requests do not fit", tick, d.estate.WaitingQueue.Len())
			continue
		}
		d.reclaimHeadroom()
		if _, err := d.action.Step(ctx, d.estate); err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
		for _, entry := range d.estate.GetRunningRequestStateEntries() {
			if err := d.verify(ctx, entry); err != nil {
				return fmt.Errorf("tick %d: verify %s: %w", tick, entry.Request.ID, err)
			}
		}
	}
	logrus.Warnf("stopped after %d ticks with %d running and %d waiting requests",
		d.wl.MaxTicks, d.estate.RunningQueue.Len(), d.estate.WaitingQueue.Len())
	return nil
}

// admit moves waiting entries to the running queue while they fit, oldest first.
func (d *driver) admit(ctx context.Context) error {
	for d.estate.WaitingQueue.Len() > 0 && d.estate.RunningQueue.Len() < d.cfg.MaxNumSequence {
		entry := d.estate.WaitingQueue.Peek()
		if !d.reserveFor(entry) {
			return nil
		}
		d.estate.WaitingQueue.Dequeue()
		if err := d.prefill(ctx, entry); err != nil {
			return fmt.Errorf("prefill %s: %w", entry.Request.ID, err)
		}
		entry.Status = serve.StatusAlive
		d.estate.RunningQueue.Enqueue(entry)
		logrus.Debugf("[tick %07d] admitted %s", d.estate.Tick, entry)
	}
	return nil
}

// reserveFor reports whether every model has room for entry's prefill plus one
// page per draft round, reclaiming retained prefix-cache sequences if needed.
func (d *driver) reserveFor(entry *serve.RequestStateEntry) bool {
	tokens := len(entry.Request.InputTokens) + len(entry.MStates[0].CommittedTokens) +
		d.wl.WarmupTokens + d.cfg.SpecDraftLength + 1
	for {
		fits := true
		for _, b := range d.backends {
			if b.GetNumAvailablePages() < b.PagesFor(tokens)+1 {
				fits = false
				break
			}
		}
		if fits {
			return true
		}
		if !d.estate.PrefixCache.TryFreeMemory() {
			return false
		}
		d.estate.Metrics.NumPrefixCacheFrees++
	}
}

// reclaimHeadroom frees retained prefix-cache sequences until every model
// can grow each running sequence through one full pass and its verification.
func (d *driver) reclaimHeadroom() {
	running := d.estate.RunningQueue.Len()
	for {
		short := false
		for _, b := range d.backends {
			if b.GetNumAvailablePages() < running*(b.PagesFor(d.cfg.SpecDraftLength+2)+1) {
				short = true
				break
			}
		}
		if !short || !d.estate.PrefixCache.TryFreeMemory() {
			return
		}
		d.estate.Metrics.NumPrefixCacheFrees++
	}
}

// prefill registers entry in every model and feeds it everything but its
// last committed token, which stays pending for the next pass. A fresh entry
// gets its first token from the verifier, then WarmupTokens more that only
// the verifier sees.
func (d *driver) prefill(ctx context.Context, entry *serve.RequestStateEntry) error {
	seqID := entry.MStates[0].InternalID
	input := entry.Request.InputTokens
	if pc, ok := d.estate.PrefixCache.(*kv.PrefixCache); ok {
		if owner, matched := pc.MatchPrefix(input); matched > 0 {
			d.result.PrefixHitTokens += int64(matched)
			logrus.Debugf("[tick %07d] %s shares %d prompt tokens with sequence %d", d.estate.Tick, entry.Request.ID, matched, owner)
		}
	}
	for _, b := range d.backends {
		if err := b.AddNewSequence(seqID); err != nil {
			return err
		}
	}

	vs := entry.MStates[0]
	if len(vs.CommittedTokens) == 0 {
		first, err := d.verifierStep(ctx, entry, input)
		if err != nil {
			return err
		}
		for _, ms := range entry.MStates {
			ms.CommitToken(first)
		}
		for k := 1; k < len(d.backends); k++ {
			if _, err := d.feed(ctx, k, seqID, input); err != nil {
				return err
			}
		}
		for w := 0; w < d.wl.WarmupTokens; w++ {
			tok, err := d.verifierStep(ctx, entry, []int{vs.LastCommittedToken()})
			if err != nil {
				return err
			}
			vs.CommitToken(tok)
			vs.NumTokensForNextDecode = 1
		}
	} else {
		for k, ms := range entry.MStates {
			history := append(append([]int(nil), input...), committedIDs(ms.CommittedTokens[:len(ms.CommittedTokens)-1])...)
			if _, err := d.feed(ctx, k, seqID, history); err != nil {
				return err
			}
			ms.NumTokensForNextDecode = 1
		}
	}
	d.estate.PrefixCache.ExtendSequence(seqID, append(append([]int(nil), input...), committedIDs(vs.CommittedTokens)...))
	return nil
}

// verify plays the verifier for one drafted entry: a prefix of draft model
// 1's proposal is accepted, the verifier adds one token of its own, and every
// draft model is rolled back to the accepted history.
func (d *driver) verify(ctx context.Context, entry *serve.RequestStateEntry) error {
	vs := entry.MStates[0]
	proposals := entry.MStates[1].DraftOutputTokens
	if len(proposals) == 0 {
		return nil
	}
	seqID := vs.InternalID

	accepted := 0
	for accepted < len(proposals) && d.accept.Float64() < d.wl.AcceptRate {
		accepted++
	}
	newTokens := make([]serve.SampleResult, 0, accepted+1)
	for _, tok := range proposals[:accepted] {
		newTokens = append(newTokens, tok.SampleResult)
	}
	feed := committedIDs(vs.CommittedTokens[len(vs.CommittedTokens)-vs.NumTokensForNextDecode:])
	feed = append(feed, committedIDs(newTokens)...)
	bonus, err := d.verifierStep(ctx, entry, feed)
	if err != nil {
		return err
	}
	newTokens = append(newTokens, bonus)
	for _, tok := range newTokens {
		vs.CommitToken(tok)
	}
	vs.NumTokensForNextDecode = 1
	d.result.ProposedTokens += int64(len(proposals))
	d.result.AcceptedTokens += int64(accepted)

	for k := 1; k < len(entry.MStates); k++ {
		if err := d.rollback(entry.MStates[k], newTokens, accepted); err != nil {
			return err
		}
	}
	d.estate.PrefixCache.ExtendSequence(seqID, committedIDs(newTokens))

	if len(vs.CommittedTokens) >= entry.Request.GenerationCfg.MaxTokens {
		d.finish(entry)
	}
	return nil
}

// rollback keeps the draft tokens ds fed that match the verifier's new
// tokens, pops the rest from its model, and commits one unfed token so the
// next pass starts from exactly one pending token.
func (d *driver) rollback(ds *serve.RequestModelState, newTokens []serve.SampleResult, accepted int) error {
	drafts := ds.DraftOutputTokens
	matched := 0
	for matched < len(drafts) && matched < len(newTokens) && drafts[matched].TokenID == newTokens[matched].TokenID {
		matched++
	}
	fed := min(matched, len(drafts)-1, accepted)
	if extra := len(drafts) - 1 - fed; extra > 0 {
		if err := d.backends[ds.ModelID].PopTokens(ds.InternalID, extra); err != nil {
			return err
		}
	}
	for _, tok := range newTokens[:fed+1] {
		ds.CommitToken(tok)
	}
	d.slots = ds.RemoveAllDraftTokens(d.slots[:0])
	d.workspace.FreeSlots(d.slots)
	ds.NumTokensForNextDecode = 1
	return nil
}

func (d *driver) finish(entry *serve.RequestStateEntry) {
	d.estate.RunningQueue.Remove(entry)
	entry.Status = serve.StatusFinished
	seqID := entry.MStates[0].InternalID
	if d.estate.PrefixCache.HasSequence(seqID) {
		d.estate.PrefixCache.RecycleSequence(seqID, true)
	} else {
		serve.RemoveFromModels(d.models)(seqID)
	}
	d.result.Finished = append(d.result.Finished, entry.Request)
	logrus.Debugf("[tick %07d] finished %s with %d tokens", d.estate.Tick, entry.Request.ID, len(entry.MStates[0].CommittedTokens))
}

// feed runs tokens through model k for seqID and returns the last position's logits [1, vocab].
func (d *driver) feed(ctx context.Context, k int, seqID int64, tokens []int) (*serve.Tensor, error) {
	emb, err := d.models[k].TokenEmbed(tokens)
	if err != nil {
		return nil, err
	}
	logits, err := d.models[k].BatchPrefill(ctx, emb, []int64{seqID}, []int{len(tokens)})
	if err != nil {
		return nil, err
	}
	return logits.View(1, logits.Shape[2]), nil
}

// verifierStep feeds tokens to the verifier and samples its next token.
func (d *driver) verifierStep(ctx context.Context, entry *serve.RequestStateEntry, tokens []int) (serve.SampleResult, error) {
	vs := entry.MStates[0]
	logits, err := d.feed(ctx, 0, vs.InternalID, tokens)
	if err != nil {
		return serve.SampleResult{}, err
	}
	cfgs := []serve.GenerationConfig{entry.Request.GenerationCfg}
	ids := []string{entry.Request.ID}
	d.lp.InplaceUpdateLogits(logits, cfgs, []*serve.RequestModelState{vs}, ids, []int{-1})
	probs := d.lp.ComputeProbsFromLogits(logits, cfgs, ids)
	probs = d.sampler.BatchRenormalizeProbsByTopP(probs, []int{0}, ids, cfgs)
	return d.sampler.BatchSampleTokensWithProbAfterTopP(probs, []int{0}, ids, cfgs, []*serve.RandomGenerator{entry.RNG})[0], nil
}

func committedIDs(tokens []serve.SampleResult) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.TokenID
	}
	return ids
}
