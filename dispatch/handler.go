// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch connects the reply token controller to the packet
// layer: it frames replies and token requests for transmission, tracks
// their acknowledgements and routes inbound events back to the controller.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/internal/instrument"
	"github.com/katzenpost/replyctl/replies"
)

// Events receives inbound events from the packet layer.
type Events interface {
	OnTokensReceived(tag replies.SenderTag, tokens []replies.ReplyToken, wasRequested bool) error
	OnTokenRequest(recipient replies.Recipient, amount int) error
	SubmitReply(tag replies.SenderTag, payload []byte, lane replies.Lane, retransmissions replies.Retransmissions) error
}

// TopologySink receives the epoch of every new network topology.
type TopologySink interface {
	Update(meta epochtime.EpochMetadata)
}

// Handler implements replies.Dispatcher on top of a Transport.
type Handler struct {
	log        *logging.Logger
	em         cbor.EncMode
	transport  Transport
	acks       *AckRegistry
	fragmenter *Fragmenter

	// roundTrip is the expected delay before a fragment is acknowledged.
	roundTrip time.Duration
}

// NewHandler returns a new Handler.
func NewHandler(logBackend *log.Backend, transport Transport, acks *AckRegistry, fragmenter *Fragmenter, roundTrip time.Duration) *Handler {
	return &Handler{
		log:        logBackend.GetLogger("dispatch"),
		em:         encMode(),
		transport:  transport,
		acks:       acks,
		fragmenter: fragmenter,
		roundTrip:  roundTrip,
	}
}

func (h *Handler) encode(frame *Frame) ([]byte, error) {
	return h.em.Marshal(frame)
}

func (h *Handler) replyFrame(tag replies.SenderTag, f *replies.Fragment, token replies.ReplyToken, lane replies.Lane) ([]byte, error) {
	return h.encode(&Frame{
		Reply: &ReplyPacket{
			SenderTag: tag[:],
			SetID:     f.ID.SetID,
			Position:  f.ID.Position,
			Total:     f.Total,
			Payload:   f.Payload,
			SURB:      token.SURB,
			Lane:      lane.String(),
		},
	})
}

func (h *Handler) tokenRequestFrame(tag replies.SenderTag, f *replies.Fragment, token replies.ReplyToken) ([]byte, error) {
	var amount int
	if err := cbor.Unmarshal(f.Payload, &amount); err != nil {
		return nil, err
	}
	return h.encode(&Frame{
		TokenRequest: &TokenRequest{
			SenderTag: tag[:],
			SetID:     f.ID.SetID,
			SURB:      token.SURB,
			Amount:    amount,
		},
	})
}

func (h *Handler) prepare(token replies.ReplyToken, d *replies.PendingDelivery, lane replies.Lane) (*replies.PreparedDelivery, error) {
	var (
		packet []byte
		err    error
	)
	if d.IsTokenRequest() {
		packet, err = h.tokenRequestFrame(d.Recipient(), d.Fragment(), token)
	} else {
		packet, err = h.replyFrame(d.Recipient(), d.Fragment(), token, lane)
	}
	if err != nil {
		return nil, err
	}
	return &replies.PreparedDelivery{
		Delivery:   d,
		Packet:     packet,
		TotalDelay: h.roundTrip,
	}, nil
}

func (h *Handler) write(ctx context.Context, kind uint8, frames [][]byte) error {
	if err := h.transport.WriteFrames(ctx, frames); err != nil {
		return err
	}
	for range frames {
		instrument.FrameWritten(kind)
	}
	return nil
}

// writeError wraps a failed write.  The tokens of a partially written
// batch may have reached the packet layer, so none of them is handed back.
func writeError(err error, tokens []replies.ReplyToken) error {
	if errors.Is(err, ErrPartialWrite) {
		tokens = nil
	}
	return replies.NewDispatchError(err, tokens)
}

// TrySendFragments implements replies.Dispatcher.
func (h *Handler) TrySendFragments(ctx context.Context, tag replies.SenderTag, fragments []*replies.PendingFragment, tokens []replies.ReplyToken, lane replies.Lane) error {
	deliveries := make([]*replies.PendingDelivery, 0, len(fragments))
	frames := make([][]byte, 0, len(fragments))
	for i, f := range fragments {
		frame, err := h.replyFrame(tag, f.Fragment, tokens[i], lane)
		if err != nil {
			return replies.NewDispatchError(err, tokens)
		}
		frames = append(frames, frame)
		deliveries = append(deliveries, replies.NewPendingDelivery(tag, f.Fragment, f.Retransmissions, false))
	}

	if err := h.write(ctx, KindReply, frames); err != nil {
		return writeError(err, tokens)
	}
	for _, d := range deliveries {
		h.acks.Track(d, h.roundTrip)
	}
	return nil
}

// TryPrepareRetransmissions implements replies.Dispatcher.
func (h *Handler) TryPrepareRetransmissions(_ context.Context, _ replies.SenderTag, deliveries []*replies.PendingDelivery, tokens []replies.ReplyToken) ([]*replies.PreparedDelivery, error) {
	out := make([]*replies.PreparedDelivery, 0, len(deliveries))
	for i, d := range deliveries {
		p, err := h.prepare(tokens[i], d, replies.RetransmissionLane)
		if err != nil {
			return nil, replies.NewDispatchError(err, tokens)
		}
		out = append(out, p)
	}
	return out, nil
}

// TryPrepareSingleFragment implements replies.Dispatcher.
func (h *Handler) TryPrepareSingleFragment(_ context.Context, token replies.ReplyToken, delivery *replies.PendingDelivery) (*replies.PreparedDelivery, error) {
	p, err := h.prepare(token, delivery, replies.RetransmissionLane)
	if err != nil {
		return nil, replies.NewDispatchError(err, []replies.ReplyToken{token})
	}
	return p, nil
}

// UpdateDeliveryDelay implements replies.Dispatcher.
func (h *Handler) UpdateDeliveryDelay(id replies.FragmentID, delay time.Duration) {
	if !h.acks.UpdateDelay(id, delay) {
		h.log.Debugf("fragment %s is not in flight, its delay is set when forwarded", id)
	}
}

// Forward implements replies.Dispatcher.  Packets that fail to go out are
// left to time out and be retransmitted.
func (h *Handler) Forward(ctx context.Context, prepared []*replies.PreparedDelivery, lane replies.Lane) {
	frames := make([][]byte, 0, len(prepared))
	for _, p := range prepared {
		frames = append(frames, p.Packet)
	}
	if err := h.write(ctx, KindReply, frames); err != nil {
		h.log.Warningf("failed to forward %d packets on lane %s: %v", len(prepared), lane, err)
	}
	for _, p := range prepared {
		h.acks.Track(p.Delivery, p.TotalDelay)
	}
}

// TryRequestMoreTokens implements replies.Dispatcher.  The request is
// tracked like a reply fragment and retransmitted until acknowledged.
func (h *Handler) TryRequestMoreTokens(ctx context.Context, tag replies.SenderTag, token replies.ReplyToken, amount int) error {
	unused := []replies.ReplyToken{token}

	body, err := h.em.Marshal(amount)
	if err != nil {
		return replies.NewDispatchError(err, unused)
	}
	fragment := &replies.Fragment{
		ID:      replies.FragmentID{SetID: h.fragmenter.NewSetID()},
		Total:   1,
		Payload: body,
	}
	frame, err := h.tokenRequestFrame(tag, fragment, token)
	if err != nil {
		return replies.NewDispatchError(err, unused)
	}
	if err := h.write(ctx, KindTokenRequest, [][]byte{frame}); err != nil {
		return writeError(err, unused)
	}
	h.acks.Track(replies.NewPendingDelivery(tag, fragment, replies.Retransmissions{}, true), h.roundTrip)
	return nil
}

// TrySendAdditionalTokens implements replies.Dispatcher.
func (h *Handler) TrySendAdditionalTokens(ctx context.Context, recipient replies.Recipient, amount int) error {
	frame, err := h.encode(&Frame{
		AdditionalTokens: &AdditionalTokens{
			Recipient: string(recipient),
			Amount:    amount,
		},
	})
	if err == nil {
		err = h.write(ctx, KindAdditionalTokens, [][]byte{frame})
	}
	if err != nil {
		return replies.NewDispatchError(err, nil)
	}
	return nil
}

// Receive routes an inbound frame.
func (h *Handler) Receive(frame *Frame, events Events, topology TopologySink) {
	kind, err := frame.Kind()
	if err != nil {
		h.log.Errorf("dropping inbound frame: %v", err)
		return
	}
	switch kind {
	case KindAck:
		id := frame.Ack.FragmentID()
		if h.acks.Acknowledge(id) {
			h.log.Debugf("fragment %s acknowledged", id)
		}
	case KindTokens:
		tag, err := replies.SenderTagFromBytes(frame.Tokens.SenderTag)
		if err != nil {
			h.log.Errorf("dropping reply tokens: %v", err)
			return
		}
		err = events.OnTokensReceived(tag, frame.Tokens.ReplyTokens(), frame.Tokens.Requested)
		h.logEventErr(err)
	case KindPeerTokenRequest:
		req := frame.PeerTokenRequest
		h.logEventErr(events.OnTokenRequest(replies.Recipient(req.Recipient), req.Amount))
	case KindTopology:
		topology.Update(frame.Topology.EpochMetadata())
	case KindSubmit:
		sub := frame.Submit
		tag, err := replies.SenderTagFromBytes(sub.SenderTag)
		if err != nil {
			h.log.Errorf("dropping reply: %v", err)
			return
		}
		h.logEventErr(events.SubmitReply(tag, sub.Payload, sub.Lane(), sub.Retransmissions()))
	default:
		h.log.Errorf("dropping unexpected inbound frame of kind %d", kind)
	}
}

func (h *Handler) logEventErr(err error) {
	if err != nil {
		h.log.Warningf("failed to deliver inbound event: %v", err)
	}
}

var _ replies.Dispatcher = (*Handler)(nil)
