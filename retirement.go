package surfelrec

import (
	"cmp"
	"slices"
)

type retirementCandidate struct {
	slot       SlotId
	confidence float32
	lastSeen   int
}

// retirementQueue orders the surfels that may be evicted to make room for a
// new one. A surfel is eligible when it is at least StabilityWindow frames old
// and was not seen in the current frame. Among eligible surfels the lowest
// confidence goes first, then the older LastSeen, then the lower slot.
//
// The queue is built once per frame on first use. Entries that stop being
// eligible later in the frame (matched, or their slot reused) are skipped.
type retirementQueue struct {
	built      bool
	candidates []retirementCandidate
	next       int
}

func (q *retirementQueue) reset() {
	q.built = false
	q.candidates = q.candidates[:0]
	q.next = 0
}

func retirementEligible(s *Surfel, frame, stabilityWindow int) bool {
	return s.Age(frame) >= stabilityWindow && s.LastSeen < frame
}

func (q *retirementQueue) build(m *SurfelModel, frame, stabilityWindow int) {
	q.built = true
	m.ForEach(func(id SlotId, s Surfel) bool {
		if retirementEligible(&s, frame, stabilityWindow) {
			q.candidates = append(q.candidates, retirementCandidate{
				slot:       id,
				confidence: s.Confidence,
				lastSeen:   s.LastSeen,
			})
		}
		return true
	})
	slices.SortFunc(q.candidates, func(a, b retirementCandidate) int {
		if c := cmp.Compare(a.confidence, b.confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(a.lastSeen, b.lastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.slot, b.slot)
	})
}

// pop returns the next surfel to retire, or false when none is eligible.
func (q *retirementQueue) pop(m *SurfelModel, frame, stabilityWindow int) (SlotId, bool) {
	if !q.built {
		q.build(m, frame, stabilityWindow)
	}
	for q.next < len(q.candidates) {
		c := q.candidates[q.next]
		q.next++
		s, ok := m.Get(c.slot)
		if !ok || s.Confidence != c.confidence || !retirementEligible(&s, frame, stabilityWindow) {
			continue
		}
		return c.slot, true
	}
	return NoSlot, false
}
