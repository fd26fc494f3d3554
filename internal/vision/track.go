package vision

import (
	"sync"

	"github.com/your-org/checkpoint/internal/models"
)

const (
	trackMinIoU  = 0.3
	trackMaxMiss = 5
)

type track struct {
	id   int
	box  models.BoundingBox
	miss int
}

// Tracker assigns stable integer ids to faces across the frames of one session
// by greedy IoU matching. A face that leaves view for more than a few frames
// comes back with a new id.
type Tracker struct {
	mu     sync.Mutex
	tracks []*track
	nextID int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Assign returns one tracking id per box, in box order.
func (t *Tracker) Assign(boxes []models.BoundingBox) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, len(boxes))
	claimed := make(map[*track]bool, len(t.tracks))

	for i, box := range boxes {
		var best *track
		bestIoU := float32(trackMinIoU)
		for _, tr := range t.tracks {
			if claimed[tr] {
				continue
			}
			if v := iou(box, tr.box); v > bestIoU {
				bestIoU = v
				best = tr
			}
		}
		if best == nil {
			t.nextID++
			best = &track{id: t.nextID}
			t.tracks = append(t.tracks, best)
		}
		best.box = box
		best.miss = 0
		claimed[best] = true
		ids[i] = best.id
	}

	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if !claimed[tr] {
			tr.miss++
		}
		if tr.miss <= trackMaxMiss {
			live = append(live, tr)
		}
	}
	t.tracks = live

	return ids
}

// Reset forgets every track.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
}
