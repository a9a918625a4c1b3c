package serve

import "fmt"

// roundInputs is the aligned model input of one proposal round.
type roundInputs struct {
	tokens  []int // flattened input tokens, request-major
	lengths []int // tokens contributed by each request
	parents []int // draft token each request's next token extends, -1 for none
}

func (in *roundInputs) reset() {
	in.tokens = in.tokens[:0]
	in.lengths = in.lengths[:0]
	in.parents = in.parents[:0]
}

// isDecode reports whether every request contributes exactly one token,
// so the round can run as a fixed-shape batch decode.
func (in *roundInputs) isDecode() bool {
	return len(in.tokens) == len(in.lengths)
}

// numCatchUpTokens returns the backlog tokens fed on top of one token per request.
func (in *roundInputs) numCatchUpTokens() int {
	return len(in.tokens) - len(in.lengths)
}

// buildRoundInputs fills in with the tokens each request feeds to the draft
// model in round draftID.
//
// Round 0 feeds the draft state's pending last committed token, followed by
// every verifier-committed token the draft state is missing; those are
// committed to the draft state so that both histories are aligned before any
// sampling. Later rounds feed the previous round's draft token.
func buildRoundInputs(draftID int, verifierStates, draftStates []*RequestModelState, requestIDs []string, in *roundInputs) {
	in.reset()
	for i, ds := range draftStates {
		vs := verifierStates[i]
		if draftID == 0 {
			if len(ds.CommittedTokens) > len(vs.CommittedTokens) {
				panic(fmt.Sprintf("request %s: draft model %d has %d committed tokens, ahead of the verifier's %d",
					requestIDs[i], ds.ModelID, len(ds.CommittedTokens), len(vs.CommittedTokens)))
			}
			if ds.NumTokensForNextDecode != 1 {
				panic(fmt.Sprintf("request %s: draft model %d expects exactly one pending token, got %d",
					requestIDs[i], ds.ModelID, ds.NumTokensForNextDecode))
			}
			if len(ds.DraftOutputTokens) != 0 {
				panic(fmt.Sprintf("request %s: draft model %d still holds %d draft tokens from an unverified pass",
					requestIDs[i], ds.ModelID, len(ds.DraftOutputTokens)))
			}
			in.tokens = append(in.tokens, ds.LastCommittedToken())
			backlog := vs.CommittedTokens[len(ds.CommittedTokens):]
			in.lengths = append(in.lengths, 1+len(backlog))
			for _, tok := range backlog {
				ds.CommitToken(tok)
				in.tokens = append(in.tokens, tok.TokenID)
			}
			ds.NumTokensForNextDecode = 0
			in.parents = append(in.parents, -1)
			continue
		}

		if len(ds.CommittedTokens) != len(vs.CommittedTokens) {
			panic(fmt.Sprintf("request %s: draft model %d has %d committed tokens, verifier has %d",
				requestIDs[i], ds.ModelID, len(ds.CommittedTokens), len(vs.CommittedTokens)))
		}
		if len(ds.DraftOutputTokens) == 0 {
			panic(fmt.Sprintf("request %s: draft model %d has no draft token to extend in round %d",
				requestIDs[i], ds.ModelID, draftID))
		}
		last := len(ds.DraftOutputTokens) - 1
		in.tokens = append(in.tokens, ds.DraftOutputTokens[last].TokenID)
		in.lengths = append(in.lengths, 1)
		in.parents = append(in.parents, last)
	}
}
