// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"sync/atomic"
	"time"
)

const (
	deliveryInFlight uint32 = iota
	deliveryAcknowledged
	deliveryAbandoned
)

// PendingDelivery is a fragment that has been sent and is awaiting
// acknowledgement.  It is shared between the acknowledgement path and the
// timeout path; whichever acts first wins and the other becomes a no-op.
type PendingDelivery struct {
	recipient       SenderTag
	fragment        *Fragment
	retransmissions Retransmissions
	tokenRequest    bool

	state      atomic.Uint32
	generation atomic.Uint64
	sent       atomic.Uint32
}

// NewPendingDelivery returns a new in flight delivery of fragment to
// recipient.  tokenRequest marks deliveries carrying a request for more
// reply tokens.
func NewPendingDelivery(recipient SenderTag, fragment *Fragment, retransmissions Retransmissions, tokenRequest bool) *PendingDelivery {
	return &PendingDelivery{
		recipient:       recipient,
		fragment:        fragment,
		retransmissions: retransmissions,
		tokenRequest:    tokenRequest,
	}
}

// ID returns the identifier of the delivered fragment.
func (d *PendingDelivery) ID() FragmentID {
	return d.fragment.ID
}

// Recipient returns the correspondent the fragment is addressed to.
func (d *PendingDelivery) Recipient() SenderTag {
	return d.recipient
}

// Fragment returns the delivered fragment.
func (d *PendingDelivery) Fragment() *Fragment {
	return d.fragment
}

// IsTokenRequest returns true iff the delivery carries a token request.
func (d *PendingDelivery) IsTokenRequest() bool {
	return d.tokenRequest
}

// Acknowledge marks the delivery as acknowledged.  It returns true iff
// this call performed the transition.
func (d *PendingDelivery) Acknowledge() bool {
	return d.state.CompareAndSwap(deliveryInFlight, deliveryAcknowledged)
}

// Acknowledged returns true iff the delivery was acknowledged.
func (d *PendingDelivery) Acknowledged() bool {
	return d.state.Load() == deliveryAcknowledged
}

// Abandon gives up on the delivery.  An abandoned delivery is never
// retransmitted and ignores acknowledgements.  It returns true iff this
// call performed the transition.
func (d *PendingDelivery) Abandon() bool {
	return d.state.CompareAndSwap(deliveryInFlight, deliveryAbandoned)
}

// Settled returns true iff the delivery was acknowledged or abandoned.
func (d *PendingDelivery) Settled() bool {
	return d.state.Load() != deliveryInFlight
}

// Observe returns an Observer bound to the current generation.
func (d *PendingDelivery) Observe() Observer {
	return Observer{
		delivery:   d,
		generation: d.generation.Load(),
	}
}

// Release invalidates every outstanding Observer.  It is called once the
// delivery has been handed off for another transmission attempt.
func (d *PendingDelivery) Release() {
	d.generation.Add(1)
}

// MarkRetransmitted records one more retransmission and returns true iff
// the retransmission bound still allows it.
func (d *PendingDelivery) MarkRetransmitted() bool {
	if d.retransmissions.Exhausted(d.sent.Load()) {
		return false
	}
	d.sent.Add(1)
	return true
}

// Retransmitted returns the number of retransmissions so far.
func (d *PendingDelivery) Retransmitted() uint32 {
	return d.sent.Load()
}

// Observer is a non-owning reference to a PendingDelivery.
type Observer struct {
	delivery   *PendingDelivery
	generation uint64
}

// ID returns the fragment identifier of the observed delivery.
func (o Observer) ID() FragmentID {
	return o.delivery.ID()
}

// Upgrade returns the observed delivery iff it is still actionable, that
// is neither settled nor released since the observer was taken.
func (o Observer) Upgrade() (*PendingDelivery, bool) {
	if o.delivery == nil {
		return nil, false
	}
	if o.delivery.Settled() || o.delivery.generation.Load() != o.generation {
		return nil, false
	}
	return o.delivery, true
}

// PreparedDelivery is a delivery ready to be forwarded.
type PreparedDelivery struct {
	Delivery   *PendingDelivery
	Packet     []byte
	TotalDelay time.Duration
}
