// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"math/rand"

	hrand "github.com/katzenpost/hpqc/rand"
)

// FairnessPolicy decides which queued fragments are sent when there are
// fewer tokens than queued fragments.
type FairnessPolicy interface {
	// PopAtMost removes and returns at most n fragments from q.
	PopAtMost(q *LaneQueue, n int) []QueuedFragment
}

// RandomPolicy pops from a uniformly chosen lane each time, preserving the
// order within every lane.
type RandomPolicy struct {
	rng *rand.Rand
}

// NewRandomPolicy returns a RandomPolicy with a fixed seed.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewEntropyRandomPolicy returns a RandomPolicy seeded from the system
// entropy source.
func NewEntropyRandomPolicy() *RandomPolicy {
	return &RandomPolicy{
		rng: hrand.NewMath(),
	}
}

// PopAtMost implements FairnessPolicy.
func (p *RandomPolicy) PopAtMost(q *LaneQueue, n int) []QueuedFragment {
	var out []QueuedFragment
	for len(out) < n && !q.IsEmpty() {
		lanes := q.Lanes()
		lane := lanes[p.rng.Intn(len(lanes))]
		f, ok := q.PopFront(lane)
		if !ok {
			break
		}
		out = append(out, QueuedFragment{Lane: lane, Fragment: f})
	}
	return out
}

// RoundRobinPolicy takes one fragment from each lane in turn.
type RoundRobinPolicy struct {
	next int
}

// PopAtMost implements FairnessPolicy.
func (p *RoundRobinPolicy) PopAtMost(q *LaneQueue, n int) []QueuedFragment {
	var out []QueuedFragment
	for len(out) < n && !q.IsEmpty() {
		lanes := q.Lanes()
		lane := lanes[p.next%len(lanes)]
		f, ok := q.PopFront(lane)
		if !ok {
			break
		}
		out = append(out, QueuedFragment{Lane: lane, Fragment: f})
		if _, still := q.LaneLen(lane); still {
			p.next++
		}
	}
	return out
}
