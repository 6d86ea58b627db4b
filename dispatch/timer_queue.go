// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"sync"
	"time"

	"github.com/katzenpost/replyctl/core/queue"
	"github.com/katzenpost/replyctl/core/worker"
	"github.com/katzenpost/replyctl/replies"
)

// TimerQueue calls action with each pushed fragment identifier once its
// deadline has passed.
type TimerQueue struct {
	worker.Worker

	mutex sync.Mutex
	queue *queue.PriorityQueue[replies.FragmentID]

	action func(replies.FragmentID)

	// wakeCh is buffered so that a Push never blocks on a busy worker.
	wakeCh chan struct{}
}

// NewTimerQueue returns a new TimerQueue.
func NewTimerQueue(action func(replies.FragmentID)) *TimerQueue {
	return &TimerQueue{
		queue:  queue.New[replies.FragmentID](),
		action: action,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start starts the timer worker.
func (t *TimerQueue) Start() {
	t.Go(t.worker)
}

// Len returns the number of pending timers.
func (t *TimerQueue) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.Len()
}

// Push schedules id to fire at deadline.
func (t *TimerQueue) Push(deadline time.Time, id replies.FragmentID) {
	t.mutex.Lock()
	t.queue.Enqueue(uint64(deadline.UnixNano()), id)
	t.mutex.Unlock()

	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// popExpired removes the earliest timer if it is due, otherwise it returns
// how long until it is.
func (t *TimerQueue) popExpired(now time.Time) (replies.FragmentID, time.Duration, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.queue.DequeueBefore(uint64(now.UnixNano()))
	switch {
	case ok:
		return e.Value, 0, true
	case e == nil:
		return replies.FragmentID{}, -1, false
	default:
		return replies.FragmentID{}, time.Duration(int64(e.Priority) - now.UnixNano()), false
	}
}

func (t *TimerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		id, wait, ok := t.popExpired(time.Now())
		if ok {
			t.action(id)
			continue
		}

		var c <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			c = timer.C
		}
		select {
		case <-t.HaltCh():
			return
		case <-c:
		case <-t.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}
