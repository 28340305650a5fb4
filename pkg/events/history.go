package events

import (
	"sync"

	"github.com/fleetd-io/fleetd/pkg/types"
)

// History is a fixed-capacity, per-job ring buffer of recent events. It lets
// events(job_id) serve a replay of recent history in addition to the
// Broker's live stream; a pure pub/sub broker has no equivalent per-entity
// history requirement on its own.
type History struct {
	capacity int
	mu       sync.Mutex
	byJob    map[string][]*types.Event
}

// NewHistory creates a History that retains up to capacity events per job.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
		byJob:    make(map[string][]*types.Event),
	}
}

// Append records an event, evicting the oldest entry for that job once
// capacity is exceeded.
func (h *History) Append(event *types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.byJob[event.JobID]
	buf = append(buf, event)
	if len(buf) > h.capacity {
		buf = buf[len(buf)-h.capacity:]
	}
	h.byJob[event.JobID] = buf
}

// Get returns the retained events for jobID, oldest first. The returned
// slice is a copy; callers may not mutate the History's internal buffer.
func (h *History) Get(jobID string) []*types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := h.byJob[jobID]
	out := make([]*types.Event, len(buf))
	copy(out, buf)
	return out
}
