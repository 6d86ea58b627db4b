// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

// QueuedFragment is a pending fragment together with its lane.
type QueuedFragment struct {
	Lane     Lane
	Fragment *PendingFragment
}

// LaneQueue is a set of per lane FIFO queues of pending fragments.  Empty
// lanes are removed.
type LaneQueue struct {
	lanes map[Lane][]*PendingFragment
	order []Lane
	total int
}

// NewLaneQueue returns an empty LaneQueue.
func NewLaneQueue() *LaneQueue {
	return &LaneQueue{
		lanes: make(map[Lane][]*PendingFragment),
	}
}

// Push appends fragments to the given lane.
func (q *LaneQueue) Push(lane Lane, fragments ...*PendingFragment) {
	if len(fragments) == 0 {
		return
	}
	if _, ok := q.lanes[lane]; !ok {
		q.order = append(q.order, lane)
	}
	q.lanes[lane] = append(q.lanes[lane], fragments...)
	q.total += len(fragments)
}

// PushQueued re-inserts previously popped fragments on their own lanes.
func (q *LaneQueue) PushQueued(queued []QueuedFragment) {
	for _, f := range queued {
		q.Push(f.Lane, f.Fragment)
	}
}

// Len returns the total number of queued fragments.
func (q *LaneQueue) Len() int {
	return q.total
}

// IsEmpty returns true iff nothing is queued.
func (q *LaneQueue) IsEmpty() bool {
	return q.total == 0
}

// LaneLen returns the depth of lane, and false if the lane does not exist.
func (q *LaneQueue) LaneLen(lane Lane) (int, bool) {
	l, ok := q.lanes[lane]
	return len(l), ok
}

// Lanes returns the non-empty lanes in the order they were created.
func (q *LaneQueue) Lanes() []Lane {
	lanes := make([]Lane, len(q.order))
	copy(lanes, q.order)
	return lanes
}

// Fragments returns a copy of the fragments queued on lane.
func (q *LaneQueue) Fragments(lane Lane) []*PendingFragment {
	l := q.lanes[lane]
	out := make([]*PendingFragment, len(l))
	copy(out, l)
	return out
}

// PopFront removes the oldest fragment of lane.
func (q *LaneQueue) PopFront(lane Lane) (*PendingFragment, bool) {
	l, ok := q.lanes[lane]
	if !ok || len(l) == 0 {
		return nil, false
	}
	f := l[0]
	l[0] = nil
	l = l[1:]
	q.total--
	if len(l) == 0 {
		q.removeLane(lane)
	} else {
		q.lanes[lane] = l
	}
	return f, true
}

func (q *LaneQueue) removeLane(lane Lane) {
	delete(q.lanes, lane)
	for i, l := range q.order {
		if l == lane {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
