// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/core/log"
)

var errMockDispatch = errors.New("mock dispatch failure")

type fakeTokenSet struct {
	fresh   []ReplyToken
	stale   []ReplyToken
	pending int
	last    time.Time
}

func (s *fakeTokenSet) LastReceivedAt() time.Time { return s.last }
func (s *fakeTokenSet) PendingRequested() int    { return s.pending }
func (s *fakeTokenSet) Len() int                 { return len(s.fresh) + len(s.stale) }
func (s *fakeTokenSet) DropPossiblyStale()       { s.stale = nil }

func (s *fakeTokenSet) RetainFresh(keep func(*ReplyToken) bool) {
	s.fresh = fakeRetain(s.fresh, keep)
}

func (s *fakeTokenSet) RetainPossiblyStale(keep func(*ReplyToken) bool) {
	s.stale = fakeRetain(s.stale, keep)
}

func fakeRetain(tokens []ReplyToken, keep func(*ReplyToken) bool) []ReplyToken {
	var out []ReplyToken
	for i := range tokens {
		if keep(&tokens[i]) {
			out = append(out, tokens[i])
		}
	}
	return out
}

func (s *fakeTokenSet) pop() ReplyToken {
	var t ReplyToken
	if len(s.stale) > 0 {
		t, s.stale = s.stale[0], s.stale[1:]
		return t
	}
	t, s.fresh = s.fresh[0], s.fresh[1:]
	return t
}

// fakeStore is a minimal TokenStore that also records threshold abuse.
type fakeStore struct {
	min, max int
	now      *time.Time
	sets     map[SenderTag]*fakeTokenSet

	refusedDraws  int
	ignoringDraws int
	stealNextDraw bool
}

func newFakeStore(min, max int, now *time.Time) *fakeStore {
	return &fakeStore{
		min:  min,
		max:  max,
		now:  now,
		sets: make(map[SenderTag]*fakeTokenSet),
	}
}

func (s *fakeStore) set(tag SenderTag) *fakeTokenSet {
	set, ok := s.sets[tag]
	if !ok {
		set = new(fakeTokenSet)
		s.sets[tag] = set
	}
	return set
}

func (s *fakeStore) AvailableFresh(tag SenderTag) int {
	if set, ok := s.sets[tag]; ok {
		return len(set.fresh)
	}
	return 0
}

func (s *fakeStore) AvailableAny(tag SenderTag) int {
	if set, ok := s.sets[tag]; ok {
		return set.Len()
	}
	return 0
}

func (s *fakeStore) PendingRequested(tag SenderTag) int {
	if set, ok := s.sets[tag]; ok {
		return set.pending
	}
	return 0
}

func (s *fakeStore) MinThreshold() int { return s.min }
func (s *fakeStore) MaxThreshold() int { return s.max }

func (s *fakeStore) DrawTokens(tag SenderTag, n int) ([]ReplyToken, bool) {
	if s.stealNextDraw {
		s.stealNextDraw = false
		return nil, false
	}
	set, ok := s.sets[tag]
	if !ok || set.Len() < s.min+n {
		s.refusedDraws++
		return nil, false
	}
	var out []ReplyToken
	for i := 0; i < n; i++ {
		out = append(out, set.pop())
	}
	return out, true
}

func (s *fakeStore) DrawTokenIgnoringThreshold(tag SenderTag) (ReplyToken, bool) {
	set, ok := s.sets[tag]
	if !ok || set.Len() == 0 {
		return ReplyToken{}, false
	}
	s.ignoringDraws++
	return set.pop(), true
}

func (s *fakeStore) InsertFresh(tag SenderTag, tokens []ReplyToken) {
	set := s.set(tag)
	for _, t := range tokens {
		t.Freshness = Fresh
		if t.ReceivedAt.IsZero() {
			t.ReceivedAt = *s.now
		}
		set.fresh = append(set.fresh, t)
	}
	set.last = *s.now
}

func (s *fakeStore) ReturnTokens(tag SenderTag, tokens []ReplyToken) {
	set := s.set(tag)
	for _, t := range tokens {
		if t.Freshness == PossiblyStale {
			set.stale = append(set.stale, t)
		} else {
			set.fresh = append(set.fresh, t)
		}
	}
}

func (s *fakeStore) IncrementPendingRequested(tag SenderTag, n int) { s.set(tag).pending += n }

func (s *fakeStore) DecrementPendingRequested(tag SenderTag, n int) {
	set := s.set(tag)
	set.pending = max(0, set.pending-n)
}

func (s *fakeStore) ResetPendingRequested(tag SenderTag) {
	if set, ok := s.sets[tag]; ok {
		set.pending = 0
	}
}

func (s *fakeStore) LastReceivedAt(tag SenderTag) (time.Time, bool) {
	set, ok := s.sets[tag]
	if !ok || set.last.IsZero() {
		return time.Time{}, false
	}
	return set.last, true
}

func (s *fakeStore) DowngradeFreshnessAll() map[SenderTag]int {
	out := make(map[SenderTag]int)
	for tag, set := range s.sets {
		if len(set.fresh) == 0 {
			continue
		}
		out[tag] = len(set.fresh)
		for _, t := range set.fresh {
			t.Freshness = PossiblyStale
			set.stale = append(set.stale, t)
		}
		set.fresh = nil
	}
	return out
}

func (s *fakeStore) RetainAll(keep func(SenderTag, TokenSet) bool) {
	for tag, set := range s.sets {
		if !keep(tag, set) {
			delete(s.sets, tag)
		}
	}
}

type sentBatch struct {
	tag       SenderTag
	fragments []*PendingFragment
	tokens    []ReplyToken
	lane      Lane
}

type tokenRequest struct {
	tag    SenderTag
	amount int
}

type additionalTokens struct {
	recipient Recipient
	amount    int
}

// mockDispatcher records every call and fails on demand.
type mockDispatcher struct {
	sync.Mutex

	failSend    bool
	failPrepare bool
	failRequest bool

	sent       []sentBatch
	prepared   [][]*PendingDelivery
	forwarded  []*PreparedDelivery
	lanes      []Lane
	requests   []tokenRequest
	additional []additionalTokens
	delays     map[FragmentID]time.Duration
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		delays: make(map[FragmentID]time.Duration),
	}
}

func (d *mockDispatcher) TrySendFragments(_ context.Context, tag SenderTag, fragments []*PendingFragment, tokens []ReplyToken, lane Lane) error {
	d.Lock()
	defer d.Unlock()
	if d.failSend {
		return NewDispatchError(errMockDispatch, tokens)
	}
	d.sent = append(d.sent, sentBatch{tag: tag, fragments: fragments, tokens: tokens, lane: lane})
	return nil
}

func (d *mockDispatcher) TryPrepareRetransmissions(_ context.Context, tag SenderTag, deliveries []*PendingDelivery, tokens []ReplyToken) ([]*PreparedDelivery, error) {
	d.Lock()
	defer d.Unlock()
	if d.failPrepare {
		return nil, NewDispatchError(errMockDispatch, tokens)
	}
	d.prepared = append(d.prepared, deliveries)
	out := make([]*PreparedDelivery, 0, len(deliveries))
	for _, del := range deliveries {
		out = append(out, &PreparedDelivery{Delivery: del, TotalDelay: time.Second})
	}
	return out, nil
}

func (d *mockDispatcher) TryPrepareSingleFragment(_ context.Context, token ReplyToken, delivery *PendingDelivery) (*PreparedDelivery, error) {
	d.Lock()
	defer d.Unlock()
	if d.failPrepare {
		return nil, NewDispatchError(errMockDispatch, []ReplyToken{token})
	}
	d.prepared = append(d.prepared, []*PendingDelivery{delivery})
	return &PreparedDelivery{Delivery: delivery, TotalDelay: 3 * time.Second}, nil
}

func (d *mockDispatcher) UpdateDeliveryDelay(id FragmentID, delay time.Duration) {
	d.Lock()
	defer d.Unlock()
	d.delays[id] = delay
}

func (d *mockDispatcher) Forward(_ context.Context, prepared []*PreparedDelivery, lane Lane) {
	d.Lock()
	defer d.Unlock()
	d.forwarded = append(d.forwarded, prepared...)
	d.lanes = append(d.lanes, lane)
}

func (d *mockDispatcher) TryRequestMoreTokens(_ context.Context, tag SenderTag, token ReplyToken, amount int) error {
	d.Lock()
	defer d.Unlock()
	if d.failRequest {
		return NewDispatchError(errMockDispatch, []ReplyToken{token})
	}
	d.requests = append(d.requests, tokenRequest{tag: tag, amount: amount})
	return nil
}

func (d *mockDispatcher) TrySendAdditionalTokens(_ context.Context, recipient Recipient, amount int) error {
	d.Lock()
	defer d.Unlock()
	d.additional = append(d.additional, additionalTokens{recipient: recipient, amount: amount})
	return nil
}

func (d *mockDispatcher) sentFragments() int {
	d.Lock()
	defer d.Unlock()
	n := 0
	for _, b := range d.sent {
		n += len(b.fragments)
	}
	return n
}

func (d *mockDispatcher) sentTokens() int {
	d.Lock()
	defer d.Unlock()
	n := 0
	for _, b := range d.sent {
		n += len(b.tokens)
	}
	return n
}

// byteFragmenter produces one fragment per payload byte.
type byteFragmenter struct {
	setID int32
}

func (f *byteFragmenter) SplitReply(payload []byte) []*Fragment {
	f.setID++
	out := make([]*Fragment, 0, len(payload))
	for i := range payload {
		out = append(out, &Fragment{
			ID:      FragmentID{SetID: f.setID, Position: uint8(i)},
			Total:   uint8(len(payload)),
			Payload: payload[i : i+1],
		})
	}
	return out
}

type fakeRotation struct {
	id       uint32
	known    bool
	meta     epochtime.EpochMetadata
	haveMeta bool
	stuck    bool
	stuckAt  time.Time
	schedule epochtime.RotationSchedule
}

func (r *fakeRotation) CurrentRotationID(context.Context) (uint32, bool) {
	return r.id, r.known
}

func (r *fakeRotation) CurrentEpochMetadata(context.Context) (epochtime.EpochMetadata, bool) {
	return r.meta, r.haveMeta
}

func (r *fakeRotation) IsEpochStuckAt(_ epochtime.EpochMetadata, now time.Time) bool {
	r.stuckAt = now
	return r.stuck
}

func (r *fakeRotation) Schedule() *epochtime.RotationSchedule {
	return &r.schedule
}

var testInitialTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testHarness struct {
	controller *Controller
	store      *fakeStore
	dispatcher *mockDispatcher
	rotation   *fakeRotation
	logs       *bytes.Buffer
	now        *time.Time
}

func newTestHarness(t *testing.T, minThreshold int, mutate func(*Parameters)) *testHarness {
	return newTestHarnessWithPolicy(t, minThreshold, mutate, new(RoundRobinPolicy))
}

func newTestHarnessWithPolicy(t *testing.T, minThreshold int, mutate func(*Parameters), fairness FairnessPolicy) *testHarness {
	logs := new(bytes.Buffer)
	logBackend, err := log.NewWithWriter(logs, "DEBUG")
	require.NoError(t, err)

	now := testInitialTime.Add(100 * time.Hour)
	params := DefaultParameters()
	if mutate != nil {
		mutate(&params)
	}
	h := &testHarness{
		store:      newFakeStore(minThreshold, 200, &now),
		dispatcher: newMockDispatcher(),
		rotation: &fakeRotation{
			id:    5,
			known: true,
			schedule: epochtime.RotationSchedule{
				EpochDuration:     time.Hour,
				EpochsPerRotation: 24,
				InitialTime:       testInitialTime,
			},
		},
		logs: logs,
		now:  &now,
	}
	h.controller = NewController(&Config{
		LogBackend: logBackend,
		Parameters: params,
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Fragmenter: new(byteFragmenter),
		Rotation:   h.rotation,
		Recipients: knownRecipients{"alice": true},
		Fairness:   fairness,
		Clock:      func() time.Time { return *h.now },
	})
	return h
}

func (h *testHarness) countLogs(level, substr string) int {
	n := 0
	for _, line := range strings.Split(h.logs.String(), "\n") {
		if strings.Contains(line, " "+level+" ") && strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// checkPendingInvariant verifies the pending total of every tracked
// correspondent against its parts.
func (h *testHarness) checkPendingInvariant(t *testing.T) {
	for tag, s := range h.controller.senders {
		require.Equal(t, s.pending.Len()+s.retransmissions.Len(), h.controller.TotalPending(tag))
		n := 0
		for _, lane := range s.pending.Lanes() {
			depth, ok := s.pending.LaneLen(lane)
			require.True(t, ok)
			n += depth
		}
		require.Equal(t, s.pending.Len(), n)
	}
}

type knownRecipients map[Recipient]bool

func (k knownRecipients) Known(r Recipient) bool {
	return k[r]
}

func testTokens(n int) []ReplyToken {
	out := make([]ReplyToken, n)
	for i := range out {
		out[i].SURB = []byte{byte(i)}
	}
	return out
}

func pendingFragments(setID int32, n int) []*PendingFragment {
	out := make([]*PendingFragment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &PendingFragment{
			Fragment: &Fragment{ID: FragmentID{SetID: setID, Position: uint8(i)}, Total: uint8(n)},
		})
	}
	return out
}
