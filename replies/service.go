// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/core/worker"
)

// DefaultStaleInspectionInterval is how often quiet correspondents are
// inspected.
const DefaultStaleInspectionInterval = 5 * time.Second

// rotationInspectionDivisor divides the epoch duration into the interval
// of key rotation inspections.
const rotationInspectionDivisor = 8

type opSubmitReply struct {
	tag             SenderTag
	payload         []byte
	lane            Lane
	retransmissions Retransmissions
}

type opTokensReceived struct {
	tag          SenderTag
	tokens       []ReplyToken
	wasRequested bool
}

type opDeliveryTimeout struct {
	tag                 SenderTag
	observer            Observer
	isExtraTokenRequest bool
}

type opTokenRequest struct {
	recipient Recipient
	amount    int
}

type opLaneDepth struct {
	connectionID uint64
	responseChan chan int
}

type opTotalPending struct {
	tag          SenderTag
	responseChan chan int
}

// Service owns a Controller and feeds it events one at a time from its own
// goroutine, along with the periodic inspections.
type Service struct {
	worker.Worker

	log        *logging.Logger
	controller *Controller
	opCh       chan interface{}

	staleInterval    time.Duration
	rotationInterval time.Duration
}

// NewService returns a Service driving controller.  A zero staleInterval
// uses DefaultStaleInspectionInterval.
func NewService(logBackend *log.Backend, controller *Controller, staleInterval time.Duration) *Service {
	if staleInterval == 0 {
		staleInterval = DefaultStaleInspectionInterval
	}
	rotationInterval := controller.rotation.Schedule().EpochDuration / rotationInspectionDivisor
	if rotationInterval <= 0 {
		rotationInterval = staleInterval
	}
	return &Service{
		log:              logBackend.GetLogger("replies/service"),
		controller:       controller,
		opCh:             make(chan interface{}),
		staleInterval:    staleInterval,
		rotationInterval: rotationInterval,
	}
}

// Start starts the service worker.
func (s *Service) Start() {
	s.Go(s.worker)
}

func (s *Service) enqueue(op interface{}) error {
	select {
	case s.opCh <- op:
		return nil
	case <-s.HaltCh():
		return ErrHalted
	}
}

// SubmitReply queues a reply to tag.
func (s *Service) SubmitReply(tag SenderTag, payload []byte, lane Lane, retransmissions Retransmissions) error {
	return s.enqueue(&opSubmitReply{
		tag:             tag,
		payload:         payload,
		lane:            lane,
		retransmissions: retransmissions,
	})
}

// OnTokensReceived hands tokens received from tag to the controller.
func (s *Service) OnTokensReceived(tag SenderTag, tokens []ReplyToken, wasRequested bool) error {
	return s.enqueue(&opTokensReceived{
		tag:          tag,
		tokens:       tokens,
		wasRequested: wasRequested,
	})
}

// OnDeliveryTimeout reports a delivery that was not acknowledged in time.
func (s *Service) OnDeliveryTimeout(tag SenderTag, observer Observer, isExtraTokenRequest bool) error {
	return s.enqueue(&opDeliveryTimeout{
		tag:                 tag,
		observer:            observer,
		isExtraTokenRequest: isExtraTokenRequest,
	})
}

// OnTokenRequest reports a request for more of our reply tokens.
func (s *Service) OnTokenRequest(recipient Recipient, amount int) error {
	return s.enqueue(&opTokenRequest{
		recipient: recipient,
		amount:    amount,
	})
}

// QueueLaneDepth returns the depth of the lane of connectionID.
func (s *Service) QueueLaneDepth(ctx context.Context, connectionID uint64) (int, error) {
	op := &opLaneDepth{
		connectionID: connectionID,
		responseChan: make(chan int, 1),
	}
	return s.query(ctx, op, op.responseChan)
}

// TotalPending returns the number of fragments and retransmissions
// waiting for tag.
func (s *Service) TotalPending(ctx context.Context, tag SenderTag) (int, error) {
	op := &opTotalPending{
		tag:          tag,
		responseChan: make(chan int, 1),
	}
	return s.query(ctx, op, op.responseChan)
}

func (s *Service) query(ctx context.Context, op interface{}, responseChan chan int) (int, error) {
	select {
	case s.opCh <- op:
	case <-s.HaltCh():
		return 0, ErrHalted
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-responseChan:
		return n, nil
	case <-s.HaltCh():
		return 0, ErrHalted
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Service) worker() {
	staleTimer := time.NewTimer(s.staleInterval)
	defer staleTimer.Stop()
	rotationTimer := time.NewTimer(s.rotationInterval)
	defer rotationTimer.Stop()

	ctx := s.Context()
	c := s.controller
	for {
		select {
		case <-s.HaltCh():
			s.log.Debug("Terminating gracefully.")
			return
		case <-staleTimer.C:
			c.SweepStaleCorrespondents(ctx, c.clock())
			staleTimer.Reset(s.staleInterval)
		case <-rotationTimer.C:
			c.RefreshOnRotationTick(ctx)
			c.RetainValidTokens(ctx, c.clock())
			rotationTimer.Reset(s.rotationInterval)
		case qo := <-s.opCh:
			switch op := qo.(type) {
			case *opSubmitReply:
				c.SubmitReply(ctx, op.tag, op.payload, op.lane, op.retransmissions)
			case *opTokensReceived:
				c.OnTokensReceived(ctx, op.tag, op.tokens, op.wasRequested)
			case *opDeliveryTimeout:
				c.OnDeliveryTimeout(ctx, op.tag, op.observer, op.isExtraTokenRequest)
			case *opTokenRequest:
				c.OnTokenRequest(ctx, op.recipient, op.amount)
			case *opLaneDepth:
				op.responseChan <- c.QueueLaneDepth(op.connectionID)
			case *opTotalPending:
				op.responseChan <- c.TotalPending(op.tag)
			default:
				s.log.Errorf("BUG, unknown operation type: %T", qo)
			}
		}
	}
}
