// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// SenderTagSize is the size of a SenderTag in bytes.
const SenderTagSize = 16

// SenderTag is the opaque identifier of an anonymous correspondent.  It is
// chosen by the correspondent and carried alongside the reply tokens it
// hands out.
type SenderTag [SenderTagSize]byte

// NewSenderTag generates a new random SenderTag.
func NewSenderTag() (SenderTag, error) {
	var tag SenderTag
	if _, err := io.ReadFull(rand.Reader, tag[:]); err != nil {
		return tag, err
	}
	return tag, nil
}

// SenderTagFromBytes returns the SenderTag encoded in b.
func SenderTagFromBytes(b []byte) (SenderTag, error) {
	var tag SenderTag
	if len(b) != SenderTagSize {
		return tag, fmt.Errorf("replies: invalid sender tag length: %d", len(b))
	}
	copy(tag[:], b)
	return tag, nil
}

func (t SenderTag) String() string {
	return hex.EncodeToString(t[:])
}

// Freshness classifies a reply token relative to the current key rotation.
type Freshness uint8

const (
	// Fresh tokens were received during the current key rotation.
	Fresh Freshness = iota

	// PossiblyStale tokens were received before the latest key rotation
	// was observed and may have been built with retired keys.
	PossiblyStale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case PossiblyStale:
		return "possibly-stale"
	default:
		return fmt.Sprintf("[unknown freshness: %d]", uint8(f))
	}
}

// Parity is the parity of the key rotation a reply token was built for.
type Parity uint8

const (
	ParityUnknown Parity = iota
	ParityEven
	ParityOdd
)

// ParityOf returns the parity of the given key rotation.
func ParityOf(rotationID uint32) Parity {
	if rotationID%2 == 0 {
		return ParityEven
	}
	return ParityOdd
}

// Matches returns true iff p is compatible with the given key rotation.
// An unknown parity matches every rotation.
func (p Parity) Matches(rotationID uint32) bool {
	switch p {
	case ParityEven:
		return rotationID%2 == 0
	case ParityOdd:
		return rotationID%2 == 1
	default:
		return true
	}
}

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "unknown"
	}
}

// ReplyToken is a single use reply capability (SURB) for one correspondent.
type ReplyToken struct {
	SURB       []byte    `cbor:"surb"`
	Freshness  Freshness `cbor:"freshness"`
	Parity     Parity    `cbor:"parity"`
	ReceivedAt time.Time `cbor:"received_at"`
}

// FragmentID identifies a fragment within a fragmented reply.
type FragmentID struct {
	SetID    int32
	Position uint8
}

// Less orders fragment identifiers by set and then position.
func (f FragmentID) Less(o FragmentID) bool {
	if f.SetID != o.SetID {
		return f.SetID < o.SetID
	}
	return f.Position < o.Position
}

// Key returns an order preserving unsigned encoding of f.
func (f FragmentID) Key() uint64 {
	return uint64(uint32(f.SetID)^0x80000000)<<8 | uint64(f.Position)
}

func (f FragmentID) String() string {
	return fmt.Sprintf("%d:%d", f.SetID, f.Position)
}

// Fragment is one wire sized piece of a reply.
type Fragment struct {
	ID      FragmentID
	Total   uint8
	Payload []byte
}

// Retransmissions bounds how often a fragment may be retransmitted.  The
// zero value is unbounded.
type Retransmissions struct {
	Max     uint32
	Bounded bool
}

// MaxRetransmissions returns a bound of n retransmissions.
func MaxRetransmissions(n uint32) Retransmissions {
	return Retransmissions{Max: n, Bounded: true}
}

// Exhausted returns true iff sent retransmissions reached the bound.
func (r Retransmissions) Exhausted(sent uint32) bool {
	return r.Bounded && sent >= r.Max
}

// PendingFragment is a fragment waiting in a pending queue for a token.
type PendingFragment struct {
	Fragment        *Fragment
	Retransmissions Retransmissions
}

// LaneKind distinguishes the classes of transmission lanes.
type LaneKind uint8

const (
	LaneGeneral LaneKind = iota
	LaneReplyTokenRequest
	LaneAdditionalProbability
	LaneRetransmission
	LaneConnection
)

// Lane is a logical sub-queue sharing a correspondent's token budget.
type Lane struct {
	Kind         LaneKind
	ConnectionID uint64
}

var (
	GeneralLane               = Lane{Kind: LaneGeneral}
	TokenRequestLane          = Lane{Kind: LaneReplyTokenRequest}
	AdditionalProbabilityLane = Lane{Kind: LaneAdditionalProbability}
	RetransmissionLane        = Lane{Kind: LaneRetransmission}
)

// ConnectionLane returns the lane of the given connection.
func ConnectionLane(id uint64) Lane {
	return Lane{Kind: LaneConnection, ConnectionID: id}
}

func (l Lane) String() string {
	switch l.Kind {
	case LaneGeneral:
		return "general"
	case LaneReplyTokenRequest:
		return "token-request"
	case LaneAdditionalProbability:
		return "additional-probability"
	case LaneRetransmission:
		return "retransmission"
	case LaneConnection:
		return fmt.Sprintf("connection-%d", l.ConnectionID)
	default:
		return fmt.Sprintf("[unknown lane: %d]", l.Kind)
	}
}
