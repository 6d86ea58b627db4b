// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/replies"
)

// Frame kinds, used for metrics.
const (
	KindReply uint8 = iota
	KindTokenRequest
	KindAdditionalTokens
	KindAck
	KindTokens
	KindPeerTokenRequest
	KindTopology
	KindSubmit
)

var errEmptyFrame = errors.New("dispatch: frame carries no message")

// ReplyPacket asks the packet layer to send one reply fragment using the
// given reply token.
type ReplyPacket struct {
	SenderTag []byte
	SetID     int32
	Position  uint8
	Total     uint8
	Payload   []byte
	SURB      []byte
	Lane      string
}

// TokenRequest asks a correspondent for more reply tokens, riding on one
// of its own tokens.
type TokenRequest struct {
	SenderTag []byte
	SetID     int32
	SURB      []byte
	Amount    int
}

// AdditionalTokens asks the packet layer to send amount of our reply
// tokens to recipient.
type AdditionalTokens struct {
	Recipient string
	Amount    int
}

// Ack reports the acknowledgement of a fragment.
type Ack struct {
	SetID    int32
	Position uint8
}

// Tokens carries reply tokens received from a correspondent.
type Tokens struct {
	SenderTag []byte
	SURBs     [][]byte
	Parity    uint8
	Requested bool
}

// PeerTokenRequest reports a request by recipient for more of our tokens.
type PeerTokenRequest struct {
	Recipient string
	Amount    int
}

// Topology reports the epoch of the latest network topology.
type Topology struct {
	AbsoluteEpochID uint64
	EpochStart      int64
	RotationID      uint32
}

// Submit hands a reply for tag to the controller.  A zero ConnectionID
// queues it on the general lane.
type Submit struct {
	SenderTag          []byte
	Payload            []byte
	ConnectionID       uint64
	MaxRetransmissions uint32
	Bounded            bool
}

// Lane returns the lane the reply is queued on.
func (s *Submit) Lane() replies.Lane {
	if s.ConnectionID == 0 {
		return replies.GeneralLane
	}
	return replies.ConnectionLane(s.ConnectionID)
}

// Retransmissions returns the retransmission bound of the reply.
func (s *Submit) Retransmissions() replies.Retransmissions {
	if !s.Bounded {
		return replies.Retransmissions{}
	}
	return replies.MaxRetransmissions(s.MaxRetransmissions)
}

// Frame is the message exchanged with the packet layer.  Exactly one field
// is set.
type Frame struct {
	// Outbound.
	Reply            *ReplyPacket      `cbor:",omitempty"`
	TokenRequest     *TokenRequest     `cbor:",omitempty"`
	AdditionalTokens *AdditionalTokens `cbor:",omitempty"`

	// Inbound.
	Ack              *Ack              `cbor:",omitempty"`
	Tokens           *Tokens           `cbor:",omitempty"`
	PeerTokenRequest *PeerTokenRequest `cbor:",omitempty"`
	Topology         *Topology         `cbor:",omitempty"`
	Submit           *Submit           `cbor:",omitempty"`
}

// Kind returns the kind of message carried by f.
func (f *Frame) Kind() (uint8, error) {
	switch {
	case f.Reply != nil:
		return KindReply, nil
	case f.TokenRequest != nil:
		return KindTokenRequest, nil
	case f.AdditionalTokens != nil:
		return KindAdditionalTokens, nil
	case f.Ack != nil:
		return KindAck, nil
	case f.Tokens != nil:
		return KindTokens, nil
	case f.PeerTokenRequest != nil:
		return KindPeerTokenRequest, nil
	case f.Topology != nil:
		return KindTopology, nil
	case f.Submit != nil:
		return KindSubmit, nil
	default:
		return 0, errEmptyFrame
	}
}

// FragmentID returns the fragment acknowledged by a.
func (a *Ack) FragmentID() replies.FragmentID {
	return replies.FragmentID{SetID: a.SetID, Position: a.Position}
}

// ReplyTokens converts t into reply tokens.
func (t *Tokens) ReplyTokens() []replies.ReplyToken {
	out := make([]replies.ReplyToken, 0, len(t.SURBs))
	for _, surb := range t.SURBs {
		out = append(out, replies.ReplyToken{
			SURB:      surb,
			Freshness: replies.Fresh,
			Parity:    replies.Parity(t.Parity),
		})
	}
	return out
}

// EpochMetadata converts t into epoch metadata.
func (t *Topology) EpochMetadata() epochtime.EpochMetadata {
	return epochtime.EpochMetadata{
		AbsoluteEpochID: t.AbsoluteEpochID,
		EpochStart:      time.Unix(0, t.EpochStart).UTC(),
		RotationID:      t.RotationID,
	}
}

func encMode() cbor.EncMode {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}
