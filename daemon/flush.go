// flush.go - periodic token store persistence.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package daemon

import (
	"time"

	"github.com/katzenpost/replyctl/core/worker"
)

type flusher struct {
	worker.Worker

	d        *Daemon
	interval time.Duration
}

func (f *flusher) worker() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case <-f.HaltCh():
			return
		case <-ticker.C:
		}

		// The final flush is done by the daemon on shutdown.
		now := time.Now()
		if deltaT := now.Sub(lastFlush); deltaT < 0 {
			f.d.log.Warningf("Civil time jumped backwards: %v", deltaT)
		}
		if err := f.d.db.Flush(f.d.store, f.d.recipients); err != nil {
			f.d.log.Errorf("Failed to flush the token store: %v", err)
			continue
		}
		lastFlush = now
	}
}

func newFlusher(d *Daemon, interval time.Duration) *flusher {
	f := &flusher{
		d:        d,
		interval: interval,
	}
	f.Go(f.worker)
	return f
}
