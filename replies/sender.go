// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"time"

	"github.com/katzenpost/replyctl/core/queue"
)

// retransmissionSet holds observers of timed out deliveries ordered by
// fragment identifier.
type retransmissionSet struct {
	queue *queue.PriorityQueue[Observer]
	ids   map[FragmentID]struct{}
}

func newRetransmissionSet() *retransmissionSet {
	return &retransmissionSet{
		queue: queue.New[Observer](),
		ids:   make(map[FragmentID]struct{}),
	}
}

// Insert adds o, returning false if an observer for the same fragment is
// already present.
func (s *retransmissionSet) Insert(o Observer) bool {
	id := o.ID()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.queue.Enqueue(id.Key(), o)
	return true
}

// PopFirst removes the observer with the lowest fragment identifier.
func (s *retransmissionSet) PopFirst() (Observer, bool) {
	e := s.queue.Dequeue()
	if e == nil {
		return Observer{}, false
	}
	o := e.Value
	delete(s.ids, o.ID())
	return o, true
}

func (s *retransmissionSet) Len() int {
	return s.queue.Len()
}

// senderState is everything we track about one correspondent.
type senderState struct {
	pending         *LaneQueue
	retransmissions *retransmissionSet

	rerequests         uint32
	lastRequestFailure time.Time
}

func newSenderState() *senderState {
	return &senderState{
		pending:         NewLaneQueue(),
		retransmissions: newRetransmissionSet(),
	}
}

func (s *senderState) totalPending() int {
	return s.pending.Len() + s.retransmissions.Len()
}

// resetLastRequestFailure records a request failure at now and returns the
// time of the previous one.
func (s *senderState) resetLastRequestFailure(now time.Time) time.Time {
	last := s.lastRequestFailure
	s.lastRequestFailure = now
	return last
}
