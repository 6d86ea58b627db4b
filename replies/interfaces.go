// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"
	"time"

	"github.com/katzenpost/replyctl/core/epochtime"
)

// TokenStore holds the reply tokens received from every correspondent.
type TokenStore interface {
	AvailableFresh(tag SenderTag) int
	AvailableAny(tag SenderTag) int
	PendingRequested(tag SenderTag) int
	MinThreshold() int
	MaxThreshold() int

	// DrawTokens draws n tokens without dipping below MinThreshold.
	DrawTokens(tag SenderTag, n int) ([]ReplyToken, bool)

	// DrawTokenIgnoringThreshold draws a single token, if any exists.
	DrawTokenIgnoringThreshold(tag SenderTag) (ReplyToken, bool)

	InsertFresh(tag SenderTag, tokens []ReplyToken)
	ReturnTokens(tag SenderTag, tokens []ReplyToken)

	IncrementPendingRequested(tag SenderTag, n int)
	DecrementPendingRequested(tag SenderTag, n int)
	ResetPendingRequested(tag SenderTag)

	LastReceivedAt(tag SenderTag) (time.Time, bool)

	// DowngradeFreshnessAll marks every fresh token as possibly stale and
	// returns the number of downgraded tokens per correspondent.
	DowngradeFreshnessAll() map[SenderTag]int

	// RetainAll removes every correspondent for which keep returns false.
	RetainAll(keep func(tag SenderTag, set TokenSet) bool)
}

// TokenSet is the mutable view of one correspondent's tokens handed to
// the RetainAll callback.
type TokenSet interface {
	LastReceivedAt() time.Time
	PendingRequested() int
	Len() int

	RetainFresh(keep func(*ReplyToken) bool)
	RetainPossiblyStale(keep func(*ReplyToken) bool)
	DropPossiblyStale()
}

// Dispatcher turns fragments and tokens into packets on the wire.  Every
// error it returns is a *DispatchError carrying the tokens it did not use.
type Dispatcher interface {
	// TrySendFragments sends fragments, one per token, on lane.
	TrySendFragments(ctx context.Context, tag SenderTag, fragments []*PendingFragment, tokens []ReplyToken, lane Lane) error

	// TryPrepareRetransmissions prepares, but does not send, a packet
	// for each delivery.
	TryPrepareRetransmissions(ctx context.Context, tag SenderTag, deliveries []*PendingDelivery, tokens []ReplyToken) ([]*PreparedDelivery, error)

	// TryPrepareSingleFragment prepares a single retransmission.
	TryPrepareSingleFragment(ctx context.Context, token ReplyToken, delivery *PendingDelivery) (*PreparedDelivery, error)

	// UpdateDeliveryDelay informs the acknowledgement path of the
	// expected delay of a retransmitted fragment.
	UpdateDeliveryDelay(id FragmentID, delay time.Duration)

	// Forward sends prepared packets on lane.
	Forward(ctx context.Context, prepared []*PreparedDelivery, lane Lane)

	// TryRequestMoreTokens asks tag for amount more tokens, using token
	// to carry the request.
	TryRequestMoreTokens(ctx context.Context, tag SenderTag, token ReplyToken, amount int) error

	// TrySendAdditionalTokens sends amount of our own reply tokens to
	// recipient.
	TrySendAdditionalTokens(ctx context.Context, recipient Recipient, amount int) error
}

// Fragmenter splits reply payloads into fragments.
type Fragmenter interface {
	SplitReply(payload []byte) []*Fragment
}

// RotationTracker exposes the key rotation state of the network.
type RotationTracker interface {
	CurrentRotationID(ctx context.Context) (uint32, bool)
	CurrentEpochMetadata(ctx context.Context) (epochtime.EpochMetadata, bool)
	IsEpochStuckAt(meta epochtime.EpochMetadata, now time.Time) bool
	Schedule() *epochtime.RotationSchedule
}
