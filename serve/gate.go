package serve

// CanDecode reports whether every draft model (index >= 1) has at least
// numEntries free pages, one per sequence for the next token.
// The verifier is not involved in draft proposal.
func CanDecode(models []Model, numEntries int) bool {
	for modelID := 1; modelID < len(models); modelID++ {
		if numEntries > models[modelID].GetNumAvailablePages() {
			return false
		}
	}
	return true
}
