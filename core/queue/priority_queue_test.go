// SPDX-FileCopyrightText: Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry[string]{
		{Value: "That books do not take the place of experience,", Priority: 0},
		{Value: "and that learning is no substitute for genius,", Priority: 1},
		{Value: "are two kindred phenomena;", Priority: 2},
		{Value: "their common ground is that the abstract can never take the place of the perceptive.", Priority: 3},
		{Value: " -- Arthur_Schopenhauer", Priority: 4},
	}

	q := New[string]()
	// Insert in reverse so that the heap actually has to do some work.
	for i := len(testEntries) - 1; i >= 0; i-- {
		q.Enqueue(testEntries[i].Priority, testEntries[i].Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = q.Dequeue()
		require.Equal(expected.Value, ent.Value, "Dequeue(): Value")
		require.Equal(expected.Priority, ent.Priority, "Dequeue(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")
}

func TestPriorityQueueInsertionOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[string]()
	q.Enqueue(20, "b")
	q.Enqueue(1, "a")
	q.Enqueue(20, "c")
	q.Enqueue(20, "d")
	require.Equal(4, q.Len())

	for _, expected := range []string{"a", "b", "c", "d"} {
		require.Equal(expected, q.Dequeue().Value)
	}
	require.Nil(q.Dequeue())
}

func TestPriorityQueueDequeueBefore(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[int]()
	e, ok := q.DequeueBefore(100)
	require.False(ok)
	require.Nil(e)

	q.Enqueue(50, 1)
	q.Enqueue(10, 2)

	e, ok = q.DequeueBefore(10)
	require.True(ok)
	require.Equal(2, e.Value)

	e, ok = q.DequeueBefore(49)
	require.False(ok)
	require.Equal(uint64(50), e.Priority)
	require.Equal(1, q.Len())
}
