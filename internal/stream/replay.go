package stream

import "github.com/msu907/trackviz/internal/domain"

// replayRing keeps the most recently delivered updates of one widget stream
// so a late subscriber can be caught up without any durable history. A size
// of zero disables replay entirely.
type replayRing struct {
	entries []*domain.VisualizationUpdate
	next    int
	filled  bool
}

func newReplayRing(size int) *replayRing {
	if size <= 0 {
		return &replayRing{}
	}
	return &replayRing{entries: make([]*domain.VisualizationUpdate, size)}
}

func (r *replayRing) Add(update *domain.VisualizationUpdate) {
	if len(r.entries) == 0 {
		return
	}
	r.entries[r.next] = update
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

func (r *replayRing) Len() int {
	if r.filled {
		return len(r.entries)
	}
	return r.next
}

// Snapshot returns the retained updates in delivery order, oldest first.
func (r *replayRing) Snapshot() []*domain.VisualizationUpdate {
	count := r.Len()
	if count == 0 {
		return nil
	}

	out := make([]*domain.VisualizationUpdate, 0, count)
	start := 0
	if r.filled {
		start = r.next
	}
	for i := 0; i < count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
