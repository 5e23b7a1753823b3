package track

import (
	"github.com/technosupport/ppe-sentinel/internal/detect"
)

// TrackedPerson is a person detection with its assigned worker identity.
type TrackedPerson struct {
	WorkerID   int
	Confidence float64
	BBox       detect.BBox
}

type trackEntry struct {
	bbox          detect.BBox
	lastSeenFrame int
}

// Tracker assigns stable worker IDs within one camera by greedy IoU
// matching. IDs increase monotonically and are never reused after
// eviction. Not safe for concurrent use; each camera task owns one.
type Tracker struct {
	iouThreshold    float64
	maxMissedFrames int

	tracked      map[int]*trackEntry
	nextWorkerID int
	frameCounter int
}

func NewTracker(iouThreshold float64, maxMissedFrames int) *Tracker {
	return &Tracker{
		iouThreshold:    iouThreshold,
		maxMissedFrames: maxMissedFrames,
		tracked:         make(map[int]*trackEntry),
		nextWorkerID:    1,
	}
}

// Update matches the frame's person boxes against the tracked set and
// returns them with worker IDs attached. Unmatched persons get fresh IDs;
// entries unseen for more than maxMissedFrames are evicted afterwards.
func (t *Tracker) Update(persons []detect.Box) []TrackedPerson {
	t.frameCounter++

	type claim struct {
		personIdx int
		iou       float64
	}
	// Best claim per tracked ID. Ties go to the higher IoU; the losing
	// person falls through to a new ID.
	claims := make(map[int]claim)
	assigned := make([]int, len(persons)) // worker ID per person, 0 = none

	for i, p := range persons {
		bestID := 0
		bestIoU := 0.0
		for id, entry := range t.tracked {
			iou := p.BBox.IoU(entry.bbox)
			if iou < t.iouThreshold || iou <= bestIoU {
				continue
			}
			if prev, contested := claims[id]; contested && prev.iou >= iou {
				continue
			}
			bestID = id
			bestIoU = iou
		}
		if bestID != 0 {
			if prev, contested := claims[bestID]; contested {
				assigned[prev.personIdx] = 0
			}
			claims[bestID] = claim{personIdx: i, iou: bestIoU}
			assigned[i] = bestID
		}
	}

	out := make([]TrackedPerson, 0, len(persons))
	for i, p := range persons {
		id := assigned[i]
		if id == 0 {
			id = t.nextWorkerID
			t.nextWorkerID++
			t.tracked[id] = &trackEntry{}
		}
		entry := t.tracked[id]
		entry.bbox = p.BBox
		entry.lastSeenFrame = t.frameCounter

		out = append(out, TrackedPerson{
			WorkerID:   id,
			Confidence: p.Confidence,
			BBox:       p.BBox,
		})
	}

	for id, entry := range t.tracked {
		if t.frameCounter-entry.lastSeenFrame > t.maxMissedFrames {
			delete(t.tracked, id)
		}
	}

	return out
}

// ActiveCount reports how many workers are currently tracked.
func (t *Tracker) ActiveCount() int {
	return len(t.tracked)
}
