// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"

	"github.com/katzenpost/replyctl/internal/instrument"
)

// drainRoom returns how many tokens of tag may be spent without dipping
// below the minimum threshold.
func (c *Controller) drainRoom(tag SenderTag) int {
	available := c.store.AvailableAny(tag)
	minT := c.store.MinThreshold()
	if available <= minT {
		return 0
	}
	return available - minT
}

// drainRetransmissions retransmits timed out deliveries in fragment order
// for as long as the token budget allows.
func (c *Controller) drainRetransmissions(ctx context.Context, tag SenderTag) {
	room := c.drainRoom(tag)
	if room == 0 {
		c.log.Debugf("not enough tokens to clear the retransmission queue of %s", tag)
		return
	}
	s, ok := c.senders[tag]
	if !ok {
		return
	}

	var deliveries []*PendingDelivery
	for len(deliveries) < room {
		o, ok := s.retransmissions.PopFirst()
		if !ok {
			break
		}
		// Acknowledged or abandoned while it waited for a token.
		if d, live := o.Upgrade(); live {
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) == 0 {
		return
	}

	tokens, ok := c.store.DrawTokens(tag, len(deliveries))
	if !ok {
		c.log.Errorf("%s: %v", tag, ErrConcurrentTokenLoss)
		c.rebufferDeliveries(s, deliveries)
		return
	}
	instrument.TokensDrawn(len(tokens))

	prepared, err := c.dispatcher.TryPrepareRetransmissions(ctx, tag, deliveries, tokens)
	if err != nil {
		c.returnUnused(tag, err)
		c.rebufferDeliveries(s, deliveries)
		c.log.Warningf("failed to clear the retransmission queue of %s: %v", tag, err)
		return
	}

	for _, d := range deliveries {
		d.Release()
	}
	c.dispatcher.Forward(ctx, prepared, RetransmissionLane)
	instrument.FragmentsSent("retransmission", len(prepared))
}

func (c *Controller) rebufferDeliveries(s *senderState, deliveries []*PendingDelivery) {
	for _, d := range deliveries {
		if d.Settled() {
			continue
		}
		s.retransmissions.Insert(d.Observe())
	}
}

// drainPendingQueue sends queued fragments, chosen by the fairness policy,
// for as long as the token budget allows.
func (c *Controller) drainPendingQueue(ctx context.Context, tag SenderTag) {
	room := c.drainRoom(tag)
	if room == 0 {
		c.log.Debugf("not enough tokens to clear the pending queue of %s", tag)
		return
	}
	s, ok := c.senders[tag]
	if !ok || s.pending.IsEmpty() {
		c.log.Debugf("the pending queue of %s is empty", tag)
		return
	}

	popped := c.fairness.PopAtMost(s.pending, room)
	if len(popped) == 0 {
		c.log.Errorf("%s: %v (%d queued)", tag, ErrEmptyPop, s.pending.Len())
		return
	}

	tokens, ok := c.store.DrawTokens(tag, len(popped))
	if !ok {
		c.log.Errorf("%s: %v", tag, ErrConcurrentTokenLoss)
		s.pending.PushQueued(popped)
		return
	}
	instrument.TokensDrawn(len(tokens))

	offset := 0
	for _, group := range groupByLane(popped) {
		groupTokens := tokens[offset : offset+len(group.fragments)]
		offset += len(group.fragments)

		if err := c.dispatcher.TrySendFragments(ctx, tag, group.fragments, groupTokens, group.lane); err != nil {
			c.returnUnused(tag, err)
			s.pending.Push(group.lane, group.fragments...)
			c.log.Warningf("failed to clear the pending queue of %s on lane %s: %v", tag, group.lane, err)
			continue
		}
		instrument.FragmentsSent("queue", len(group.fragments))
	}
}

type laneGroup struct {
	lane      Lane
	fragments []*PendingFragment
}

// groupByLane groups popped fragments by lane, in order of first
// appearance.
func groupByLane(popped []QueuedFragment) []laneGroup {
	var groups []laneGroup
	index := make(map[Lane]int)
	for _, q := range popped {
		i, ok := index[q.Lane]
		if !ok {
			i = len(groups)
			index[q.Lane] = i
			groups = append(groups, laneGroup{lane: q.Lane})
		}
		groups[i].fragments = append(groups[i].fragments, q.Fragment)
	}
	return groups
}
