// Implements the running queue and the waiting queue of request state entries.
// Running entries are ordered by priority: the head is served first, the tail
// is the first to be preempted.

package serve

import (
	"fmt"
	"strings"
)

// RunningQueue holds the entries currently eligible for decoding, in admission order.
type RunningQueue struct {
	entries []*RequestStateEntry
}

// Enqueue appends an entry at the tail (lowest priority).
func (rq *RunningQueue) Enqueue(rs *RequestStateEntry) {
	if rs == nil {
		panic("RunningQueue.Enqueue: entry must not be nil")
	}
	rq.entries = append(rq.entries, rs)
}

// Len returns the number of running entries.
func (rq *RunningQueue) Len() int {
	return len(rq.entries)
}

// Back returns the lowest-priority entry, or nil if the queue is empty.
func (rq *RunningQueue) Back() *RequestStateEntry {
	if len(rq.entries) == 0 {
		return nil
	}
	return rq.entries[len(rq.entries)-1]
}

// PopBack removes and returns the lowest-priority entry, or nil if the queue is empty.
func (rq *RunningQueue) PopBack() *RequestStateEntry {
	if len(rq.entries) == 0 {
		return nil
	}
	last := rq.entries[len(rq.entries)-1]
	rq.entries[len(rq.entries)-1] = nil
	rq.entries = rq.entries[:len(rq.entries)-1]
	return last
}

// Remove deletes rs from the queue, keeping the order of the others.
// Returns false if rs is not running.
func (rq *RunningQueue) Remove(rs *RequestStateEntry) bool {
	for i, e := range rq.entries {
		if e == rs {
			rq.entries = append(rq.entries[:i], rq.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns the queue contents for iteration.
// The returned slice is the queue's internal storage; callers MUST NOT append to or reslice it.
func (rq *RunningQueue) Items() []*RequestStateEntry {
	return rq.entries
}

func (rq *RunningQueue) String() string {
	return formatEntries(rq.entries)
}

// WaitQueue holds entries waiting for (re-)admission, FIFO.
type WaitQueue struct {
	queue []*RequestStateEntry
}

// Enqueue adds an entry to the back of the wait queue.
func (wq *WaitQueue) Enqueue(rs *RequestStateEntry) {
	wq.queue = append(wq.queue, rs)
}

// PrependFront inserts an entry at the front of the queue.
// Preempted entries go here so they are re-admitted first.
func (wq *WaitQueue) PrependFront(rs *RequestStateEntry) {
	if rs == nil {
		panic("PrependFront: entry must not be nil")
	}
	wq.queue = append([]*RequestStateEntry{rs}, wq.queue...)
}

// Len returns the number of waiting entries.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the front entry without removing it, or nil if empty.
func (wq *WaitQueue) Peek() *RequestStateEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the front entry, or nil if empty.
func (wq *WaitQueue) Dequeue() *RequestStateEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	front := wq.queue[0]
	wq.queue = wq.queue[1:]
	return front
}

func (wq *WaitQueue) String() string {
	return formatEntries(wq.queue)
}

func formatEntries(entries []*RequestStateEntry) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range entries {
		sb.WriteString(fmt.Sprint(val))
		if i < len(entries)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
