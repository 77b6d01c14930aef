package coord

import (
	"sync"
	"time"
)

// WorkerStatus is one live worker's heartbeat entry.
type WorkerStatus struct {
	WorkerID      string    `json:"worker_id"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// heartbeatTable tracks worker liveness. Entries expire by TTL rather
// than explicit deregistration, so a crashed worker disappears on its
// own. Like the pending index, it is a cache and holds no truth the
// Registry does not.
type heartbeatTable struct {
	mu    sync.Mutex
	beats map[string]WorkerStatus
	now   func() time.Time // injected in tests
}

func newHeartbeatTable() *heartbeatTable {
	return &heartbeatTable{beats: make(map[string]WorkerStatus), now: time.Now}
}

// beat records a liveness announcement.
func (h *heartbeatTable) beat(workerID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[workerID] = WorkerStatus{
		WorkerID:      workerID,
		CurrentTaskID: taskID,
		LastSeen:      h.now().UTC(),
	}
}

// alive returns workers seen within ttl, sweeping expired entries.
func (h *heartbeatTable) alive(ttl time.Duration) []WorkerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-ttl)
	var out []WorkerStatus
	for id, ws := range h.beats {
		if ws.LastSeen.Before(cutoff) {
			delete(h.beats, id)
			continue
		}
		out = append(out, ws)
	}
	return out
}

// lastSeen returns the heartbeat entry for a worker, if present.
func (h *heartbeatTable) lastSeen(workerID string) (WorkerStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws, ok := h.beats[workerID]
	return ws, ok
}

// forget drops a worker's entry, e.g. after its task is reclaimed.
func (h *heartbeatTable) forget(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.beats, workerID)
}
