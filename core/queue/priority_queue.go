// SPDX-FileCopyrightText: Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements a min-heap priority queue.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64

	seq uint64
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

// Entries of equal priority are ordered by insertion.
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].Priority == h[j].Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].Priority < h[j].Priority
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) {
	*h = append(*h, x.(*Entry[T]))
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a priority queue of T.  The lowest priority is dequeued
// first, ties are broken in insertion order.  It is not safe for concurrent
// use.
type PriorityQueue[T any] struct {
	entries entryHeap[T]
	nextSeq uint64
}

// Peek returns the lowest priority entry if any, leaving the queue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// Enqueue inserts value with the specified priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(&q.entries, &Entry[T]{
		Value:    value,
		Priority: priority,
		seq:      q.nextSeq,
	})
	q.nextSeq++
}

// Dequeue removes and returns the lowest priority entry, or nil if the
// queue is empty.
func (q *PriorityQueue[T]) Dequeue() *Entry[T] {
	if len(q.entries) == 0 {
		return nil
	}
	return heap.Pop(&q.entries).(*Entry[T])
}

// DequeueBefore removes and returns the lowest priority entry iff its
// priority is at most limit.  Otherwise the lowest entry, or nil, is
// returned with false.
func (q *PriorityQueue[T]) DequeueBefore(limit uint64) (*Entry[T], bool) {
	e := q.Peek()
	if e == nil || e.Priority > limit {
		return e, false
	}
	return q.Dequeue(), true
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.entries)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}
