// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/internal/instrument"
	"github.com/katzenpost/replyctl/replies"
)

// TimeoutFunc is called with an observer of every delivery that was not
// acknowledged in time and may still be retransmitted.
type TimeoutFunc func(tag replies.SenderTag, observer replies.Observer, isTokenRequest bool)

// defaultRetention is how long a timed out delivery still honours a late
// acknowledgement.  A delivery not retransmitted by then is abandoned.
const defaultRetention = 5 * time.Minute

type ackEntry struct {
	delivery *replies.PendingDelivery
	deadline time.Time

	// expired entries await retransmission or a late acknowledgement.  An
	// entry still expired when its retention ends is abandoned.
	expired bool
}

// AckRegistry owns the deliveries in flight.  It hands an observer to the
// timeout callback for every delivery whose acknowledgement is overdue.
type AckRegistry struct {
	sync.Mutex

	log       *logging.Logger
	timers    *TimerQueue
	slop      time.Duration
	retention time.Duration
	clock     func() time.Time

	entries   map[replies.FragmentID]*ackEntry
	onTimeout TimeoutFunc
}

// NewAckRegistry returns a new AckRegistry.  slop is added to every
// expected delay before a delivery is considered lost.
func NewAckRegistry(logBackend *log.Backend, slop time.Duration, onTimeout TimeoutFunc) *AckRegistry {
	a := &AckRegistry{
		log:       logBackend.GetLogger("dispatch/acks"),
		slop:      slop,
		retention: defaultRetention,
		clock:     time.Now,
		entries:   make(map[replies.FragmentID]*ackEntry),
		onTimeout: onTimeout,
	}
	a.timers = NewTimerQueue(a.expire)
	return a
}

// Start starts the timeout worker.
func (a *AckRegistry) Start() {
	a.timers.Start()
}

// Halt stops the timeout worker.
func (a *AckRegistry) Halt() {
	a.timers.Halt()
}

// Len returns the number of deliveries in flight.
func (a *AckRegistry) Len() int {
	a.Lock()
	defer a.Unlock()
	return len(a.entries)
}

// Track registers a delivery expected to be acknowledged within delay.
func (a *AckRegistry) Track(delivery *replies.PendingDelivery, delay time.Duration) {
	deadline := a.clock().Add(delay + a.slop)

	a.Lock()
	a.entries[delivery.ID()] = &ackEntry{
		delivery: delivery,
		deadline: deadline,
	}
	instrument.AckRegistrySize(len(a.entries))
	a.Unlock()

	a.timers.Push(deadline, delivery.ID())
}

// UpdateDelay moves the deadline of a tracked delivery.  It returns false
// if id is not in flight.
func (a *AckRegistry) UpdateDelay(id replies.FragmentID, delay time.Duration) bool {
	deadline := a.clock().Add(delay + a.slop)

	a.Lock()
	e, ok := a.entries[id]
	ok = ok && !e.expired
	if ok {
		e.deadline = deadline
	}
	a.Unlock()

	if ok {
		a.timers.Push(deadline, id)
	}
	return ok
}

// Acknowledge marks the delivery of id as acknowledged.  It returns false
// for unknown or already acknowledged deliveries.
func (a *AckRegistry) Acknowledge(id replies.FragmentID) bool {
	a.Lock()
	e, ok := a.entries[id]
	if ok {
		a.remove(id)
	}
	a.Unlock()

	if !ok {
		a.log.Debugf("acknowledgement for unknown fragment %s", id)
		return false
	}
	return e.delivery.Acknowledge()
}

func (a *AckRegistry) expire(id replies.FragmentID) {
	now := a.clock()

	a.Lock()
	e, ok := a.entries[id]
	if !ok || now.Before(e.deadline) {
		// Acknowledged, or rescheduled to a later timer.
		a.Unlock()
		return
	}
	d := e.delivery
	switch {
	case e.expired:
		a.remove(id)
		a.Unlock()
		if d.Abandon() {
			a.log.Noticef("abandoning fragment %s to %s: not retransmitted within %v", id, d.Recipient(), a.retention)
		}
		return
	case d.Settled():
		a.remove(id)
		a.Unlock()
		return
	case !d.MarkRetransmitted():
		a.remove(id)
		a.Unlock()
		d.Abandon()
		a.log.Noticef("giving up on fragment %s to %s after %d retransmissions", id, d.Recipient(), d.Retransmitted())
		return
	}
	e.expired = true
	e.deadline = now.Add(a.retention)
	a.Unlock()

	a.timers.Push(e.deadline, id)
	a.log.Debugf("fragment %s to %s timed out", id, d.Recipient())
	a.onTimeout(d.Recipient(), d.Observe(), d.IsTokenRequest())
}

func (a *AckRegistry) remove(id replies.FragmentID) {
	delete(a.entries, id)
	instrument.AckRegistrySize(len(a.entries))
}
