// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"
	"time"
)

// SweepStaleCorrespondents re-requests tokens from correspondents that went
// quiet while we have replies queued for them, and forgets those that stay
// quiet for too long.
func (c *Controller) SweepStaleCorrespondents(ctx context.Context, now time.Time) {
	var toRequest []SenderTag
	toRemove := make(map[SenderTag]string)

	for tag, s := range c.senders {
		if s.pending.IsEmpty() {
			continue
		}

		last, ok := c.store.LastReceivedAt(tag)
		if !ok {
			c.log.Errorf("%d replies pending for %s, but no reply tokens were ever received from it", s.pending.Len(), tag)
			toRemove[tag] = "never-received"
			continue
		}

		if s.rerequests > c.params.MaximumRerequests {
			c.log.Debugf("reached the maximum number of token re-requests to %s, dropping it", tag)
			toRemove[tag] = "rerequests-exhausted"
			continue
		}

		elapsed := now.Sub(last)
		if elapsed <= c.params.MaximumRerequestWait {
			continue
		}
		if elapsed > c.params.MaximumDropWait {
			toRemove[tag] = "drop-wait"
			continue
		}
		c.log.Debugf("no reply tokens received from %s in %v, asking for more", tag, elapsed)
		s.rerequests++
		toRequest = append(toRequest, tag)
	}

	for _, tag := range toRequest {
		c.requestForQueueClearing(ctx, tag)
		c.store.ResetPendingRequested(tag)
	}
	for tag, reason := range toRemove {
		c.removeSender(tag, reason)
	}
}

// RetainValidTokens drops tokens that can no longer be valid given the
// expected key rotation at now, and correspondents left with nothing.
func (c *Controller) RetainValidTokens(ctx context.Context, now time.Time) {
	schedule := c.rotation.Schedule()

	// Without observable epoch progress we cannot tell whether the
	// rotation advanced, only that nothing outlives a rotation.
	stuck := false
	if meta, ok := c.rotation.CurrentEpochMetadata(ctx); ok {
		stuck = c.rotation.IsEpochStuckAt(meta, now)
	}

	rotationStart := schedule.RotationStart(now)
	currentRotation := schedule.RotationID(now)
	lifetime := schedule.RotationLifetime()

	// Tokens built with the current keys may predate the rotation by one
	// epoch; one epoch into the rotation any other keys are retired.
	priorEpochStart := rotationStart.Add(-schedule.EpochDuration)
	followingEpochStart := rotationStart.Add(schedule.EpochDuration)

	keep := func(t *ReplyToken) bool {
		if c.params.MaximumTokenAge > 0 && now.Sub(t.ReceivedAt) > c.params.MaximumTokenAge {
			return false
		}
		if stuck {
			return now.Sub(t.ReceivedAt) < lifetime
		}
		if t.ReceivedAt.Before(priorEpochStart) {
			return false
		}
		return t.Parity.Matches(currentRotation)
	}

	c.store.RetainAll(func(tag SenderTag, set TokenSet) bool {
		if stuck {
			if now.Sub(set.LastReceivedAt()) >= lifetime {
				return false
			}
			set.RetainFresh(keep)
			set.RetainPossiblyStale(keep)
			return true
		}

		if set.LastReceivedAt().Before(priorEpochStart) {
			c.log.Debugf("dropping reply tokens of %s, all predate the current key rotation", tag)
			return false
		}

		set.RetainFresh(keep)
		if now.After(followingEpochStart) {
			set.DropPossiblyStale()
		}
		set.RetainPossiblyStale(keep)

		abandoned := set.LastReceivedAt().Add(c.params.MaximumDropWait).Before(now)
		if set.Len() == 0 && set.PendingRequested() == 0 && abandoned {
			c.log.Debugf("forgetting %s, it appears to have abandoned us", tag)
			return false
		}
		return true
	})

	for tag, first := range c.unavailable {
		if now.Sub(first) >= c.params.UnavailableReportWindow {
			delete(c.unavailable, tag)
		}
	}
}
