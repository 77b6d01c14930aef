package coord

import (
	"container/heap"
	"time"
)

// pendingEntry is one unclaimed task in the coordinator's index.
type pendingEntry struct {
	id        string
	taskType  string
	priority  int
	createdAt time.Time
}

// pendingIndex is a max-heap keyed by (priority desc, created_at asc).
// It is a cache over the Registry's pending tasks, never the system of
// record: entries may be stale, and the claimer revalidates each one
// against the store before handing it out.
type pendingIndex struct {
	entries pendingHeap
	present map[string]bool
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{present: make(map[string]bool)}
}

// push adds an entry unless it is already indexed.
func (p *pendingIndex) push(e pendingEntry) {
	if p.present[e.id] {
		return
	}
	p.present[e.id] = true
	heap.Push(&p.entries, e)
}

// pop removes and returns the highest-priority entry.
func (p *pendingIndex) pop() (pendingEntry, bool) {
	if p.entries.Len() == 0 {
		return pendingEntry{}, false
	}
	e := heap.Pop(&p.entries).(pendingEntry)
	delete(p.present, e.id)
	return e, true
}

// remove drops the entry with the given task ID, if indexed.
func (p *pendingIndex) remove(id string) {
	if !p.present[id] {
		return
	}
	for i, e := range p.entries {
		if e.id == id {
			heap.Remove(&p.entries, i)
			break
		}
	}
	delete(p.present, id)
}

func (p *pendingIndex) len() int { return p.entries.Len() }

// reset drops every entry.
func (p *pendingIndex) reset() {
	p.entries = p.entries[:0]
	p.present = make(map[string]bool)
}

// pendingHeap implements heap.Interface.
type pendingHeap []pendingEntry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(pendingEntry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
