// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tokenstore

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/replies"
)

func TestBoltBackendPersistence(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)
	path := filepath.Join(t.TempDir(), "tokens.db")
	now := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)

	store := New(logBackend, 2, 100, func() time.Time { return now })
	recipients := NewRecipients()
	tag := replies.SenderTag{9, 9, 9}

	store.InsertFresh(tag, testTokens(3))
	store.DowngradeFreshnessAll()
	store.InsertFresh(tag, testTokens(2))
	store.IncrementPendingRequested(tag, 7)
	ourTag, err := recipients.TagFor("bob")
	require.NoError(err)

	backend, err := OpenBolt(logBackend, path)
	require.NoError(err)
	require.NoError(backend.Flush(store, recipients))
	require.NoError(backend.Close())

	backend, err = OpenBolt(logBackend, path)
	require.NoError(err)
	defer backend.Close()

	entries, err := backend.Inspect()
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(tag, entries[0].Tag)
	require.Equal(2, entries[0].Fresh)
	require.Equal(3, entries[0].PossiblyStale)
	require.Equal(7, entries[0].PendingRequested)
	require.True(now.Equal(entries[0].LastReceivedAt))

	loaded := New(logBackend, 2, 100, nil)
	loadedRecipients := NewRecipients()
	require.NoError(backend.Load(loaded, loadedRecipients))
	require.Equal(5, loaded.AvailableAny(tag))
	require.Equal(2, loaded.AvailableFresh(tag))
	require.Equal(7, loaded.PendingRequested(tag))
	last, ok := loaded.LastReceivedAt(tag)
	require.True(ok)
	require.True(now.Equal(last))

	token, ok := loaded.DrawTokenIgnoringThreshold(tag)
	require.True(ok)
	require.Equal(replies.PossiblyStale, token.Freshness)
	require.Equal(replies.ParityEven, token.Parity)
	require.Equal([]byte{0}, token.SURB)

	again, err := loadedRecipients.TagFor("bob")
	require.NoError(err)
	require.Equal(ourTag, again)
}

func TestBoltBackendFlushReplaces(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(err)
	backend, err := OpenBolt(logBackend, filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(err)
	defer backend.Close()

	store := New(logBackend, 0, 100, nil)
	store.InsertFresh(replies.SenderTag{1}, testTokens(1))
	require.NoError(backend.Flush(store, nil))

	store.RetainAll(func(replies.SenderTag, replies.TokenSet) bool { return false })
	require.NoError(backend.Flush(store, nil))

	entries, err := backend.Inspect()
	require.NoError(err)
	require.Empty(entries)
}
