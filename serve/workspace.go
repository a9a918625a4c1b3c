package serve

import "fmt"

// DraftTokenWorkspace is a fixed-capacity pool of draft probability slots.
// A slot stays live from AllocSlots until FreeSlots; it is never handed out twice while live.
type DraftTokenWorkspace struct {
	free []int
	live []bool
}

// NewDraftTokenWorkspace creates a workspace with capacity slots, all free.
func NewDraftTokenWorkspace(capacity int) *DraftTokenWorkspace {
	if capacity <= 0 {
		panic(fmt.Sprintf("DraftTokenWorkspace: capacity must be > 0, got %d", capacity))
	}
	free := make([]int, capacity)
	// stored in reverse so allocation pops slots in ascending order
	for i := range free {
		free[i] = capacity - 1 - i
	}
	return &DraftTokenWorkspace{
		free: free,
		live: make([]bool, capacity),
	}
}

// AllocSlots appends n fresh slots to dst and returns it.
func (w *DraftTokenWorkspace) AllocSlots(n int, dst []int) []int {
	if n > len(w.free) {
		panic(fmt.Sprintf("DraftTokenWorkspace: cannot allocate %d slots, only %d free", n, len(w.free)))
	}
	for i := 0; i < n; i++ {
		slot := w.free[len(w.free)-1]
		w.free = w.free[:len(w.free)-1]
		w.live[slot] = true
		dst = append(dst, slot)
	}
	return dst
}

// FreeSlots returns slots to the pool.
func (w *DraftTokenWorkspace) FreeSlots(slots []int) {
	for _, slot := range slots {
		if slot < 0 || slot >= len(w.live) {
			panic(fmt.Sprintf("DraftTokenWorkspace: slot %d out of range [0, %d)", slot, len(w.live)))
		}
		if !w.live[slot] {
			panic(fmt.Sprintf("DraftTokenWorkspace: slot %d freed twice", slot))
		}
		w.live[slot] = false
		w.free = append(w.free, slot)
	}
}

// NumFree returns the number of free slots.
func (w *DraftTokenWorkspace) NumFree() int {
	return len(w.free)
}

// Capacity returns the total number of slots.
func (w *DraftTokenWorkspace) Capacity() int {
	return len(w.live)
}

// IsLive reports whether slot is currently allocated.
func (w *DraftTokenWorkspace) IsLive(slot int) bool {
	return w.live[slot]
}
