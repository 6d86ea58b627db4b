// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package replies implements the reply token resource controller.
//
// For every anonymous correspondent we hold reply tokens for, the
// Controller decides when tokens are spent on queued reply fragments, when
// more tokens must be requested, how timed out deliveries are retried and
// how tokens are invalidated as key rotations advance.  A minimum number of
// tokens per correspondent is always held back so that we can ask for more.
package replies

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/internal/instrument"
)

// Recipient is the address of a client we sent anonymous messages to.
type Recipient string

// RecipientRegistry knows which recipients we handed our own tokens to.
type RecipientRegistry interface {
	Known(recipient Recipient) bool
}

// Config is the Controller configuration.
type Config struct {
	LogBackend *log.Backend
	Parameters Parameters

	Store      TokenStore
	Dispatcher Dispatcher
	Fragmenter Fragmenter
	Rotation   RotationTracker
	Recipients RecipientRegistry

	// Fairness defaults to an entropy seeded RandomPolicy.
	Fairness FairnessPolicy

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type refreshState struct {
	scheduled bool
	known     bool
	lastKnown uint32
}

// Controller is the reply token resource controller.  It is not safe for
// concurrent use; Service serializes every call.
type Controller struct {
	log    *logging.Logger
	params Parameters

	store      TokenStore
	dispatcher Dispatcher
	fragmenter Fragmenter
	rotation   RotationTracker
	recipients RecipientRegistry
	fairness   FairnessPolicy
	clock      func() time.Time

	senders     map[SenderTag]*senderState
	unavailable map[SenderTag]time.Time
	refresh     refreshState
}

// NewController returns a new Controller.
func NewController(cfg *Config) *Controller {
	c := &Controller{
		log:         cfg.LogBackend.GetLogger("replies"),
		params:      cfg.Parameters,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		fragmenter:  cfg.Fragmenter,
		rotation:    cfg.Rotation,
		recipients:  cfg.Recipients,
		fairness:    cfg.Fairness,
		clock:       cfg.Clock,
		senders:     make(map[SenderTag]*senderState),
		unavailable: make(map[SenderTag]time.Time),
	}
	if c.fairness == nil {
		c.fairness = NewEntropyRandomPolicy()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if id, ok := c.rotation.CurrentRotationID(context.Background()); ok {
		c.refresh = refreshState{known: true, lastKnown: id}
	}
	return c
}

func (c *Controller) sender(tag SenderTag) *senderState {
	s, ok := c.senders[tag]
	if !ok {
		s = newSenderState()
		c.senders[tag] = s
		instrument.TrackedCorrespondents(len(c.senders))
	}
	return s
}

func (c *Controller) removeSender(tag SenderTag, reason string) {
	delete(c.senders, tag)
	instrument.CorrespondentRemoved(reason)
	instrument.TrackedCorrespondents(len(c.senders))
}

// TotalPending returns the number of queued fragments plus the number of
// deliveries awaiting retransmission for tag.
func (c *Controller) TotalPending(tag SenderTag) int {
	s, ok := c.senders[tag]
	if !ok {
		return 0
	}
	return s.totalPending()
}

// QueuedFragments returns the number of fragments queued for tag.
func (c *Controller) QueuedFragments(tag SenderTag) int {
	s, ok := c.senders[tag]
	if !ok {
		return 0
	}
	return s.pending.Len()
}

// PendingRetransmissions returns the number of deliveries waiting for a
// token to be retransmitted to tag.
func (c *Controller) PendingRetransmissions(tag SenderTag) int {
	s, ok := c.senders[tag]
	if !ok {
		return 0
	}
	return s.retransmissions.Len()
}

// HasState returns true iff we track state for tag.
func (c *Controller) HasState(tag SenderTag) bool {
	_, ok := c.senders[tag]
	return ok
}

func (c *Controller) returnUnused(tag SenderTag, err error) {
	unused := unusedTokens(err)
	if len(unused) == 0 {
		return
	}
	c.store.ReturnTokens(tag, unused)
	instrument.TokensReturned(len(unused))
}

// shouldRequestMore returns true iff the fresh tokens we hold plus those
// already requested fall short of the queue plus the reserve, without
// exceeding the store's maximum threshold.
func (c *Controller) shouldRequestMore(tag SenderTag) bool {
	queue := c.TotalPending(tag)
	available := c.store.AvailableFresh(tag)
	pending := c.store.PendingRequested(tag)
	minT := c.store.MinThreshold()
	maxT := c.store.MaxThreshold()

	target := minT + c.params.MinimumThresholdBuffer
	required := queue + target
	total := available + pending

	c.log.Debugf("%s: available tokens: %d pending tokens: %d threshold range: %d..+%d..%d",
		tag, available, pending, minT, c.params.MinimumThresholdBuffer, maxT)

	return total < maxT && total < required
}

// SubmitReply sends as much of payload to tag as the token budget allows
// and queues the rest on lane.
func (c *Controller) SubmitReply(ctx context.Context, tag SenderTag, payload []byte, lane Lane, retransmissions Retransmissions) {
	if c.store.AvailableAny(tag) == 0 {
		c.reportUnavailable(tag)
		return
	}

	fragments := c.fragmenter.SplitReply(payload)
	c.log.Debugf("reply to %s requires %d tokens", tag, len(fragments))

	available := c.store.AvailableAny(tag)
	minT := c.store.MinThreshold()
	sendable := 0
	if available > minT {
		sendable = min(len(fragments), available-minT)
	}

	if sendable > 0 {
		if tokens, ok := c.store.DrawTokens(tag, sendable); ok {
			instrument.TokensDrawn(len(tokens))
			toSend := wrapFragments(fragments[:len(tokens)], retransmissions)
			fragments = fragments[len(tokens):]

			if err := c.dispatcher.TrySendFragments(ctx, tag, toSend, tokens, lane); err != nil {
				c.returnUnused(tag, err)
				c.log.Warningf("failed to send reply to %s: %v", tag, err)
				c.log.Infof("buffering %d fragments for %s", len(toSend), tag)
				c.sender(tag).pending.Push(lane, toSend...)
				instrument.FragmentsBuffered(len(toSend))
			} else {
				instrument.FragmentsSent("reply", len(toSend))
			}
		}
	}

	if len(fragments) > 0 {
		c.log.Debugf("buffering %d fragments for %s", len(fragments), tag)
		c.sender(tag).pending.Push(lane, wrapFragments(fragments, retransmissions)...)
		instrument.FragmentsBuffered(len(fragments))
	}

	if c.shouldRequestMore(tag) {
		c.requestForQueueClearing(ctx, tag)
	}
}

func (c *Controller) reportUnavailable(tag SenderTag) {
	instrument.UnavailableCorrespondent()
	now := c.clock()
	first, seen := c.unavailable[tag]
	if !seen || now.Sub(first) >= c.params.UnavailableReportWindow {
		c.unavailable[tag] = now
		c.log.Warningf("reply for %s dropped: %v", tag, ErrUnknownCorrespondent)
		return
	}
	c.log.Debugf("reply for %s dropped: %v", tag, ErrUnknownCorrespondent)
}

func wrapFragments(fragments []*Fragment, retransmissions Retransmissions) []*PendingFragment {
	out := make([]*PendingFragment, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, &PendingFragment{
			Fragment:        f,
			Retransmissions: retransmissions,
		})
	}
	return out
}

// requestMore asks tag for amount more tokens.  The request itself rides
// on a token drawn regardless of the minimum threshold.
func (c *Controller) requestMore(ctx context.Context, tag SenderTag, amount int) error {
	c.log.Debugf("requesting %d additional reply tokens from %s", amount, tag)
	token, ok := c.store.DrawTokenIgnoringThreshold(tag)
	if !ok {
		instrument.TokenRequest(false)
		return ErrInsufficientTokens
	}
	instrument.TokensDrawn(1)

	if err := c.dispatcher.TryRequestMoreTokens(ctx, tag, token, amount); err != nil {
		c.returnUnused(tag, err)
		c.log.Warningf("failed to request additional reply tokens from %s: %v", tag, err)
		instrument.TokenRequest(false)
		return err
	}
	c.store.IncrementPendingRequested(tag, amount)
	instrument.TokenRequest(true)
	return nil
}

// requestForQueueClearing requests enough tokens to clear the queue of tag
// and restore the reserve.
func (c *Controller) requestForQueueClearing(ctx context.Context, tag SenderTag) {
	total := c.TotalPending(tag)
	size := c.params.queueClearingRequestSize(total)

	if err := c.requestMore(ctx, tag, size); err != nil {
		now := c.clock()
		last := c.sender(tag).resetLastRequestFailure(now)
		if now.Sub(last) > c.params.FailureLogInterval {
			c.log.Warningf("failed to request more tokens to clear pending queue of size %d (attempted to request %d): %v", total, size, err)
		} else {
			c.log.Debugf("failed to request more tokens to clear pending queue of size %d (attempted to request %d): %v", total, size, err)
		}
	}
}

// OnTokensReceived stores tokens received from tag and spends them on
// whatever is waiting for that correspondent.
func (c *Controller) OnTokensReceived(ctx context.Context, tag SenderTag, tokens []ReplyToken, wasRequested bool) {
	c.log.Debugf("received %d reply tokens from %s (requested: %v)", len(tokens), tag, wasRequested)
	if wasRequested {
		c.store.DecrementPendingRequested(tag, len(tokens))
	}
	c.store.InsertFresh(tag, tokens)
	instrument.TokensReceived(len(tokens))

	if s, ok := c.senders[tag]; ok {
		s.rerequests = 0
	}

	c.drainRetransmissions(ctx, tag)
	c.drainPendingQueue(ctx, tag)

	if c.shouldRequestMore(tag) {
		c.requestForQueueClearing(ctx, tag)
	}
}

// OnDeliveryTimeout retransmits the delivery behind observer unless it was
// acknowledged in the meantime.  isExtraTokenRequest allows the retry of a
// token request to dip below the minimum threshold.
func (c *Controller) OnDeliveryTimeout(ctx context.Context, tag SenderTag, observer Observer, isExtraTokenRequest bool) {
	delivery, ok := observer.Upgrade()
	if !ok {
		c.log.Debugf("delivery to %s acknowledged before its retransmission", tag)
		instrument.Retransmission("acknowledged")
		return
	}

	var (
		token ReplyToken
		drawn bool
	)
	if isExtraTokenRequest {
		token, drawn = c.store.DrawTokenIgnoringThreshold(tag)
	} else if tokens, ok := c.store.DrawTokens(tag, 1); ok {
		token, drawn = tokens[0], true
	}

	if drawn {
		instrument.TokensDrawn(1)
		prepared, err := c.dispatcher.TryPrepareSingleFragment(ctx, token, delivery)
		if err == nil {
			delivery.Release()
			c.dispatcher.UpdateDeliveryDelay(delivery.ID(), prepared.TotalDelay)
			c.dispatcher.Forward(ctx, []*PreparedDelivery{prepared}, RetransmissionLane)
			instrument.Retransmission("sent")
			return
		}
		c.returnUnused(tag, err)
		c.log.Warningf("failed to prepare retransmission of %s for %s: %v", delivery.ID(), tag, err)
	}

	c.bufferRetransmission(tag, observer)
	instrument.Retransmission("buffered")

	if c.shouldRequestMore(tag) {
		c.requestForQueueClearing(ctx, tag)
	}
}

func (c *Controller) bufferRetransmission(tag SenderTag, observer Observer) {
	if !c.sender(tag).retransmissions.Insert(observer) {
		c.log.Warningf("already retransmitting %s to %s, we must be far behind on reply tokens", observer.ID(), tag)
	}
}

// QueueLaneDepth returns the number of fragments queued on the lane of
// connectionID, or 0 if no such lane exists.
func (c *Controller) QueueLaneDepth(connectionID uint64) int {
	lane := ConnectionLane(connectionID)
	for _, s := range c.senders {
		if n, ok := s.pending.LaneLen(lane); ok {
			return n
		}
	}
	return 0
}

// OnTokenRequest handles a request by recipient for amount more of our
// own reply tokens.
func (c *Controller) OnTokenRequest(ctx context.Context, recipient Recipient, amount int) {
	if c.recipients == nil || !c.recipients.Known(recipient) {
		c.log.Warningf("%s asked for reply tokens although we never sent it anonymous messages", recipient)
		return
	}
	if amount > c.params.MaximumAllowedRequestSize {
		c.log.Warningf("requested reply token amount is larger than the allowed maximum (%d > %d), lowering it",
			amount, c.params.MaximumAllowedRequestSize)
		amount = c.params.MaximumAllowedRequestSize
	}

	for remaining := amount; remaining > 0; {
		batch := min(remaining, additionalTokensBatchSize)
		if err := c.dispatcher.TrySendAdditionalTokens(ctx, recipient, batch); err != nil {
			c.log.Warningf("failed to send additional reply tokens to %s: %v", recipient, err)
		} else {
			c.log.Debugf("sent %d reply tokens to %s", batch, recipient)
		}
		remaining -= batch
	}
}
