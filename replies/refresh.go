// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"

	"github.com/katzenpost/replyctl/internal/instrument"
)

// RefreshOnRotationTick drives the token refresh state machine.  A change
// of key rotation is acted upon one tick after it was noticed, leaving
// time for every party to resynchronise its view of the network.  Acting
// means downgrading every fresh token and asking each correspondent for as
// many replacements as were downgraded.
func (c *Controller) RefreshOnRotationTick(ctx context.Context) {
	current, ok := c.rotation.CurrentRotationID(ctx)
	if !ok {
		c.log.Warning("failed to retrieve the current key rotation")
		return
	}

	if !c.refresh.scheduled {
		switch {
		case !c.refresh.known:
			c.refresh = refreshState{known: true, lastKnown: current}
			instrument.RotationID(current)
		case c.refresh.lastKnown == current:
			c.log.Debugf("no change in key rotation (%d)", current)
		default:
			c.log.Noticef("key rotation advanced from %d to %d, refreshing reply tokens on the next tick", c.refresh.lastKnown, current)
			c.refresh.scheduled = true
		}
		return
	}

	downgraded := c.store.DowngradeFreshnessAll()
	for tag, n := range downgraded {
		if n == 0 {
			continue
		}
		c.log.Debugf("%s: %d reply tokens downgraded", tag, n)
		instrument.TokensDowngraded(n)
		if err := c.requestMore(ctx, tag, n); err != nil {
			c.log.Warningf("reply token refresh request to %s failed: %v", tag, err)
		}
	}

	c.refresh = refreshState{known: true, lastKnown: current}
	instrument.RotationID(current)
}
