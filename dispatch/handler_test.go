// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/replies"
)

var errLinkDown = errors.New("link down")

type fakeTransport struct {
	sync.Mutex

	fail   bool
	err    error
	frames [][]byte
}

func (t *fakeTransport) WriteFrames(_ context.Context, frames [][]byte) error {
	t.Lock()
	defer t.Unlock()
	if t.fail {
		if t.err != nil {
			return t.err
		}
		return errLinkDown
	}
	t.frames = append(t.frames, frames...)
	return nil
}

func (t *fakeTransport) decoded(tt *testing.T) []*Frame {
	t.Lock()
	defer t.Unlock()
	out := make([]*Frame, 0, len(t.frames))
	for _, blob := range t.frames {
		f := new(Frame)
		require.NoError(tt, cbor.Unmarshal(blob, f))
		out = append(out, f)
	}
	return out
}

type recordedEvents struct {
	tokens    []replies.ReplyToken
	tag       replies.SenderTag
	requested bool
	recipient replies.Recipient
	amount    int
	topology  []epochtime.EpochMetadata

	submitted       []byte
	lane            replies.Lane
	retransmissions replies.Retransmissions
}

func (e *recordedEvents) OnTokensReceived(tag replies.SenderTag, tokens []replies.ReplyToken, wasRequested bool) error {
	e.tag, e.tokens, e.requested = tag, tokens, wasRequested
	return nil
}

func (e *recordedEvents) OnTokenRequest(recipient replies.Recipient, amount int) error {
	e.recipient, e.amount = recipient, amount
	return nil
}

func (e *recordedEvents) SubmitReply(tag replies.SenderTag, payload []byte, lane replies.Lane, retransmissions replies.Retransmissions) error {
	e.tag, e.submitted, e.lane, e.retransmissions = tag, payload, lane, retransmissions
	return nil
}

func (e *recordedEvents) Update(meta epochtime.EpochMetadata) {
	e.topology = append(e.topology, meta)
}

func newTestHandler(t *testing.T) (*Handler, *fakeTransport, *AckRegistry) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	transport := new(fakeTransport)
	acks := NewAckRegistry(logBackend, time.Second, func(replies.SenderTag, replies.Observer, bool) {})
	fragmenter, err := NewFragmenter(16)
	require.NoError(t, err)
	return NewHandler(logBackend, transport, acks, fragmenter, 30*time.Second), transport, acks
}

func testTokens(n int) []replies.ReplyToken {
	out := make([]replies.ReplyToken, n)
	for i := range out {
		out[i].SURB = []byte{byte(i), 0xff}
	}
	return out
}

func TestHandlerSendFragments(t *testing.T) {
	h, transport, acks := newTestHandler(t)
	tag := replies.SenderTag{1}
	fragments := []*replies.PendingFragment{
		{Fragment: &replies.Fragment{ID: replies.FragmentID{SetID: 7, Position: 0}, Total: 2, Payload: []byte("he")}},
		{Fragment: &replies.Fragment{ID: replies.FragmentID{SetID: 7, Position: 1}, Total: 2, Payload: []byte("y")}},
	}

	err := h.TrySendFragments(context.Background(), tag, fragments, testTokens(2), replies.ConnectionLane(3))
	require.NoError(t, err)

	frames := transport.decoded(t)
	require.Len(t, frames, 2)
	for i, f := range frames {
		require.NotNil(t, f.Reply)
		require.Equal(t, tag[:], f.Reply.SenderTag)
		require.Equal(t, int32(7), f.Reply.SetID)
		require.Equal(t, uint8(i), f.Reply.Position)
		require.Equal(t, []byte{byte(i), 0xff}, f.Reply.SURB)
		require.Equal(t, "connection-3", f.Reply.Lane)
	}
	require.Equal(t, 2, acks.Len())
}

func TestHandlerSendFragmentsFailure(t *testing.T) {
	h, transport, acks := newTestHandler(t)
	transport.fail = true
	tokens := testTokens(1)
	fragments := []*replies.PendingFragment{{Fragment: &replies.Fragment{}}}

	err := h.TrySendFragments(context.Background(), replies.SenderTag{1}, fragments, tokens, replies.GeneralLane)
	var de *replies.DispatchError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, errLinkDown)
	require.Equal(t, tokens, de.Unused)
	require.Zero(t, acks.Len())
}

func TestHandlerSendFragmentsPartialWrite(t *testing.T) {
	h, transport, acks := newTestHandler(t)
	transport.fail = true
	transport.err = fmt.Errorf("%w: 10 of 80 bytes: %v", ErrPartialWrite, errLinkDown)
	fragments := []*replies.PendingFragment{{Fragment: &replies.Fragment{}}, {Fragment: &replies.Fragment{}}}

	err := h.TrySendFragments(context.Background(), replies.SenderTag{1}, fragments, testTokens(2), replies.GeneralLane)
	var de *replies.DispatchError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, ErrPartialWrite)
	require.Empty(t, de.Unused)
	require.Zero(t, acks.Len())
}

func TestHandlerTokenRequestRoundTrip(t *testing.T) {
	h, transport, acks := newTestHandler(t)
	tag := replies.SenderTag{2}
	ctx := context.Background()

	require.NoError(t, h.TryRequestMoreTokens(ctx, tag, testTokens(1)[0], 42))
	frames := transport.decoded(t)
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].TokenRequest)
	require.Equal(t, 42, frames[0].TokenRequest.Amount)
	require.Equal(t, 1, acks.Len())

	id := replies.FragmentID{SetID: frames[0].TokenRequest.SetID}
	entry := acks.entries[id]
	require.NotNil(t, entry)
	require.True(t, entry.delivery.IsTokenRequest())

	// The retransmission carries the same request on a new token.
	p, err := h.TryPrepareSingleFragment(ctx, testTokens(2)[1], entry.delivery)
	require.NoError(t, err)
	f := new(Frame)
	require.NoError(t, cbor.Unmarshal(p.Packet, f))
	require.NotNil(t, f.TokenRequest)
	require.Equal(t, 42, f.TokenRequest.Amount)
	require.Equal(t, []byte{1, 0xff}, f.TokenRequest.SURB)
	require.Equal(t, 30*time.Second, p.TotalDelay)

	transport.fail = true
	err = h.TryRequestMoreTokens(ctx, tag, testTokens(1)[0], 1)
	var de *replies.DispatchError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Unused, 1)
}

func TestHandlerForward(t *testing.T) {
	h, transport, acks := newTestHandler(t)
	ctx := context.Background()
	tag := replies.SenderTag{3}
	deliveries := []*replies.PendingDelivery{
		replies.NewPendingDelivery(tag, &replies.Fragment{ID: replies.FragmentID{SetID: 1}}, replies.Retransmissions{}, false),
		replies.NewPendingDelivery(tag, &replies.Fragment{ID: replies.FragmentID{SetID: 1, Position: 1}}, replies.Retransmissions{}, false),
	}

	prepared, err := h.TryPrepareRetransmissions(ctx, tag, deliveries, testTokens(2))
	require.NoError(t, err)
	require.Len(t, prepared, 2)
	require.Empty(t, transport.decoded(t))

	h.Forward(ctx, prepared, replies.RetransmissionLane)
	frames := transport.decoded(t)
	require.Len(t, frames, 2)
	require.Equal(t, "retransmission", frames[0].Reply.Lane)
	require.Equal(t, 2, acks.Len())

	// Lost packets are still tracked so they time out.
	transport.fail = true
	other := replies.NewPendingDelivery(tag, &replies.Fragment{ID: replies.FragmentID{SetID: 2}}, replies.Retransmissions{}, false)
	p, err := h.TryPrepareSingleFragment(ctx, testTokens(1)[0], other)
	require.NoError(t, err)
	h.Forward(ctx, []*replies.PreparedDelivery{p}, replies.RetransmissionLane)
	require.Equal(t, 3, acks.Len())

	h.UpdateDeliveryDelay(other.ID(), time.Minute)
	require.True(t, acks.entries[other.ID()].deadline.After(time.Now().Add(50*time.Second)))
}

func TestHandlerAdditionalTokens(t *testing.T) {
	h, transport, _ := newTestHandler(t)
	require.NoError(t, h.TrySendAdditionalTokens(context.Background(), "alice", 100))

	frames := transport.decoded(t)
	require.Len(t, frames, 1)
	require.Equal(t, &AdditionalTokens{Recipient: "alice", Amount: 100}, frames[0].AdditionalTokens)

	transport.fail = true
	require.Error(t, h.TrySendAdditionalTokens(context.Background(), "alice", 100))
}

func TestHandlerReceive(t *testing.T) {
	h, _, acks := newTestHandler(t)
	events := new(recordedEvents)
	tag := replies.SenderTag{4}

	d := replies.NewPendingDelivery(tag, &replies.Fragment{ID: replies.FragmentID{SetID: 5, Position: 1}}, replies.Retransmissions{}, false)
	acks.Track(d, time.Hour)
	h.Receive(&Frame{Ack: &Ack{SetID: 5, Position: 1}}, events, events)
	require.True(t, d.Acknowledged())
	require.Zero(t, acks.Len())

	h.Receive(&Frame{Tokens: &Tokens{
		SenderTag: tag[:],
		SURBs:     [][]byte{{1}, {2}},
		Parity:    uint8(replies.ParityOdd),
		Requested: true,
	}}, events, events)
	require.Equal(t, tag, events.tag)
	require.True(t, events.requested)
	require.Len(t, events.tokens, 2)
	require.Equal(t, replies.ParityOdd, events.tokens[0].Parity)
	require.Equal(t, replies.Fresh, events.tokens[1].Freshness)

	h.Receive(&Frame{PeerTokenRequest: &PeerTokenRequest{Recipient: "bob", Amount: 7}}, events, events)
	require.Equal(t, replies.Recipient("bob"), events.recipient)
	require.Equal(t, 7, events.amount)

	start := time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)
	h.Receive(&Frame{Topology: &Topology{AbsoluteEpochID: 747, EpochStart: start.UnixNano(), RotationID: 31}}, events, events)
	require.Len(t, events.topology, 1)
	require.Equal(t, uint32(31), events.topology[0].RotationID)
	require.True(t, start.Equal(events.topology[0].EpochStart))

	h.Receive(&Frame{Submit: &Submit{SenderTag: tag[:], Payload: []byte("hi"), ConnectionID: 9, MaxRetransmissions: 2, Bounded: true}}, events, events)
	require.Equal(t, []byte("hi"), events.submitted)
	require.Equal(t, replies.ConnectionLane(9), events.lane)
	require.Equal(t, replies.MaxRetransmissions(2), events.retransmissions)

	h.Receive(&Frame{Submit: &Submit{SenderTag: tag[:]}}, events, events)
	require.Equal(t, replies.GeneralLane, events.lane)
	require.Equal(t, replies.Retransmissions{}, events.retransmissions)

	// Malformed frames are dropped.
	h.Receive(&Frame{}, events, events)
	h.Receive(&Frame{Tokens: &Tokens{SenderTag: []byte{1}}}, events, events)
	h.Receive(&Frame{Reply: &ReplyPacket{}}, events, events)
	require.Len(t, events.tokens, 2)
}
