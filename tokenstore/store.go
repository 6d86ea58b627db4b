// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package tokenstore stores the reply tokens received from anonymous
// correspondents.
package tokenstore

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/replies"
)

const (
	// DefaultMinimumThreshold is the default number of tokens held back
	// per correspondent for requesting more.
	DefaultMinimumThreshold = 10

	// DefaultMaximumThreshold is the default number of tokens beyond
	// which no more are requested.
	DefaultMaximumThreshold = 200
)

// tokenSet holds the tokens of one correspondent.  Tokens are used oldest
// first.
type tokenSet struct {
	fresh         []replies.ReplyToken
	possiblyStale []replies.ReplyToken

	pendingRequested int
	lastReceivedAt   time.Time
}

func (s *tokenSet) total() int {
	return len(s.fresh) + len(s.possiblyStale)
}

// pop removes one token, preferring possibly stale tokens so that they are
// used before they expire.
func (s *tokenSet) pop() replies.ReplyToken {
	var t replies.ReplyToken
	if len(s.possiblyStale) > 0 {
		t, s.possiblyStale = s.possiblyStale[0], s.possiblyStale[1:]
		return t
	}
	t, s.fresh = s.fresh[0], s.fresh[1:]
	return t
}

func (s *tokenSet) LastReceivedAt() time.Time {
	return s.lastReceivedAt
}

func (s *tokenSet) PendingRequested() int {
	return s.pendingRequested
}

func (s *tokenSet) Len() int {
	return s.total()
}

func (s *tokenSet) RetainFresh(keep func(*replies.ReplyToken) bool) {
	s.fresh = retain(s.fresh, keep)
}

func (s *tokenSet) RetainPossiblyStale(keep func(*replies.ReplyToken) bool) {
	s.possiblyStale = retain(s.possiblyStale, keep)
}

func (s *tokenSet) DropPossiblyStale() {
	s.possiblyStale = nil
}

func retain(tokens []replies.ReplyToken, keep func(*replies.ReplyToken) bool) []replies.ReplyToken {
	out := tokens[:0]
	for i := range tokens {
		if keep(&tokens[i]) {
			out = append(out, tokens[i])
		}
	}
	for i := len(out); i < len(tokens); i++ {
		tokens[i] = replies.ReplyToken{}
	}
	return out
}

// Entry is a summary of the tokens held for one correspondent.
type Entry struct {
	Tag              replies.SenderTag
	Fresh            int
	PossiblyStale    int
	PendingRequested int
	LastReceivedAt   time.Time
}

// Store is an in-memory replies.TokenStore.  It is safe for concurrent use.
type Store struct {
	sync.RWMutex

	log   *logging.Logger
	clock func() time.Time

	minThreshold int
	maxThreshold int

	sets map[replies.SenderTag]*tokenSet
}

// New returns an empty Store.  A nil clock uses time.Now.
func New(logBackend *log.Backend, minThreshold, maxThreshold int, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		log:          logBackend.GetLogger("tokenstore"),
		clock:        clock,
		minThreshold: minThreshold,
		maxThreshold: maxThreshold,
		sets:         make(map[replies.SenderTag]*tokenSet),
	}
}

func (s *Store) set(tag replies.SenderTag) *tokenSet {
	set, ok := s.sets[tag]
	if !ok {
		set = new(tokenSet)
		s.sets[tag] = set
	}
	return set
}

func (s *Store) AvailableFresh(tag replies.SenderTag) int {
	s.RLock()
	defer s.RUnlock()
	if set, ok := s.sets[tag]; ok {
		return len(set.fresh)
	}
	return 0
}

func (s *Store) AvailableAny(tag replies.SenderTag) int {
	s.RLock()
	defer s.RUnlock()
	if set, ok := s.sets[tag]; ok {
		return set.total()
	}
	return 0
}

func (s *Store) PendingRequested(tag replies.SenderTag) int {
	s.RLock()
	defer s.RUnlock()
	if set, ok := s.sets[tag]; ok {
		return set.pendingRequested
	}
	return 0
}

func (s *Store) MinThreshold() int {
	return s.minThreshold
}

func (s *Store) MaxThreshold() int {
	return s.maxThreshold
}

// DrawTokens removes n tokens, failing if that would leave fewer than the
// minimum threshold.
func (s *Store) DrawTokens(tag replies.SenderTag, n int) ([]replies.ReplyToken, bool) {
	s.Lock()
	defer s.Unlock()
	set, ok := s.sets[tag]
	if !ok || n <= 0 || set.total() < s.minThreshold+n {
		return nil, false
	}
	tokens := make([]replies.ReplyToken, 0, n)
	for i := 0; i < n; i++ {
		tokens = append(tokens, set.pop())
	}
	return tokens, true
}

// DrawTokenIgnoringThreshold removes a single token, if any.
func (s *Store) DrawTokenIgnoringThreshold(tag replies.SenderTag) (replies.ReplyToken, bool) {
	s.Lock()
	defer s.Unlock()
	set, ok := s.sets[tag]
	if !ok || set.total() == 0 {
		return replies.ReplyToken{}, false
	}
	return set.pop(), true
}

// InsertFresh stores newly received tokens.
func (s *Store) InsertFresh(tag replies.SenderTag, tokens []replies.ReplyToken) {
	now := s.clock()
	s.Lock()
	defer s.Unlock()
	set := s.set(tag)
	for _, t := range tokens {
		t.Freshness = replies.Fresh
		if t.ReceivedAt.IsZero() {
			t.ReceivedAt = now
		}
		set.fresh = append(set.fresh, t)
	}
	set.lastReceivedAt = now
}

// ReturnTokens puts back tokens that were drawn but not used.
func (s *Store) ReturnTokens(tag replies.SenderTag, tokens []replies.ReplyToken) {
	s.Lock()
	defer s.Unlock()
	set := s.set(tag)
	for _, t := range tokens {
		if t.Freshness == replies.PossiblyStale {
			set.possiblyStale = append(set.possiblyStale, t)
		} else {
			set.fresh = append(set.fresh, t)
		}
	}
}

func (s *Store) IncrementPendingRequested(tag replies.SenderTag, n int) {
	s.Lock()
	defer s.Unlock()
	s.set(tag).pendingRequested += n
}

// DecrementPendingRequested lowers the pending count, saturating at zero.
func (s *Store) DecrementPendingRequested(tag replies.SenderTag, n int) {
	s.Lock()
	defer s.Unlock()
	set := s.set(tag)
	set.pendingRequested -= n
	if set.pendingRequested < 0 {
		set.pendingRequested = 0
	}
}

func (s *Store) ResetPendingRequested(tag replies.SenderTag) {
	s.Lock()
	defer s.Unlock()
	if set, ok := s.sets[tag]; ok {
		set.pendingRequested = 0
	}
}

// LastReceivedAt returns when tokens were last received from tag.
func (s *Store) LastReceivedAt(tag replies.SenderTag) (time.Time, bool) {
	s.RLock()
	defer s.RUnlock()
	set, ok := s.sets[tag]
	if !ok || set.lastReceivedAt.IsZero() {
		return time.Time{}, false
	}
	return set.lastReceivedAt, true
}

// DowngradeFreshnessAll marks every fresh token possibly stale.
func (s *Store) DowngradeFreshnessAll() map[replies.SenderTag]int {
	s.Lock()
	defer s.Unlock()
	downgraded := make(map[replies.SenderTag]int)
	for tag, set := range s.sets {
		n := len(set.fresh)
		for _, t := range set.fresh {
			t.Freshness = replies.PossiblyStale
			set.possiblyStale = append(set.possiblyStale, t)
		}
		set.fresh = nil
		if n > 0 {
			downgraded[tag] = n
		}
		s.log.Debugf("%s: %d tokens downgraded", tag, n)
	}
	return downgraded
}

// RetainAll removes every correspondent for which keep returns false.
func (s *Store) RetainAll(keep func(tag replies.SenderTag, set replies.TokenSet) bool) {
	s.Lock()
	defer s.Unlock()
	for tag, set := range s.sets {
		if !keep(tag, set) {
			delete(s.sets, tag)
		}
	}
}

// Entries summarises the store, for inspection.
func (s *Store) Entries() []Entry {
	s.RLock()
	defer s.RUnlock()
	entries := make([]Entry, 0, len(s.sets))
	for tag, set := range s.sets {
		entries = append(entries, Entry{
			Tag:              tag,
			Fresh:            len(set.fresh),
			PossiblyStale:    len(set.possiblyStale),
			PendingRequested: set.pendingRequested,
			LastReceivedAt:   set.lastReceivedAt,
		})
	}
	return entries
}

var _ replies.TokenStore = (*Store)(nil)
