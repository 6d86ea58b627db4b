// daemon.go - replyctl daemon.
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

// Package daemon assembles the reply token controller, its token store and
// the link to the packet layer into a long running process.
package daemon

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/config"
	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/core/retry"
	"github.com/katzenpost/replyctl/dispatch"
	"github.com/katzenpost/replyctl/internal/instrument"
	"github.com/katzenpost/replyctl/internal/profiling"
	"github.com/katzenpost/replyctl/replies"
	"github.com/katzenpost/replyctl/tokenstore"
)

// Daemon is a running replyctl instance.
type Daemon struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	store      *tokenstore.Store
	recipients *tokenstore.Recipients
	db         *tokenstore.BoltBackend
	flusher    *flusher

	tracker   *epochtime.Tracker
	transport *dispatch.StreamTransport
	acks      *dispatch.AckRegistry
	handler   *dispatch.Handler
	service   *replies.Service

	stopProfiling func() error

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (d *Daemon) initLogging() error {
	var err error
	d.logBackend, err = log.New(d.cfg.Logging.File, d.cfg.Logging.Level, d.cfg.Logging.Disable)
	if err == nil {
		d.log = d.logBackend.GetLogger("daemon")
	}
	return err
}

func (d *Daemon) initStore() error {
	d.store = tokenstore.New(d.logBackend, d.cfg.ReplyTokens.MinimumStorageThreshold, d.cfg.ReplyTokens.MaximumStorageThreshold, nil)
	d.recipients = tokenstore.NewRecipients()

	if p := d.cfg.Storage.DatabasePath; p != "" {
		var err error
		if d.db, err = tokenstore.OpenBolt(d.logBackend, p); err != nil {
			return err
		}
		if err = d.db.Load(d.store, d.recipients); err != nil {
			return err
		}
		d.log.Noticef("Loaded %d correspondents from '%v'.", len(d.store.Entries()), p)
	} else {
		d.log.Warning("No DatabasePath set, reply tokens will not survive a restart.")
	}

	for _, r := range d.cfg.Recipients.Known {
		if _, err := d.recipients.TagFor(replies.Recipient(r)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) onDeliveryTimeout(tag replies.SenderTag, observer replies.Observer, isTokenRequest bool) {
	if err := d.service.OnDeliveryTimeout(tag, observer, isTokenRequest); err != nil {
		d.log.Debugf("Dropping timeout of %s: %v", observer.ID(), err)
	}
}

func (d *Daemon) receive(frame *dispatch.Frame) {
	d.handler.Receive(frame, d.service, d.tracker)
}

// Service returns the controller service.
func (d *Daemon) Service() *replies.Service {
	return d.service
}

// RotateLog rotates the log file if logging to a file is enabled.
func (d *Daemon) RotateLog() {
	if err := d.logBackend.Rotate(); err != nil {
		d.fatalErr(err)
	}
	d.log.Notice("Log rotated.")
}

func (d *Daemon) fatalErr(err error) {
	d.log.Errorf("Shutting down due to error: %v", err)
	go d.Shutdown()
}

// Shutdown cleanly shuts down a given Daemon instance.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

// Wait waits till the Daemon is terminated for any reason.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

func (d *Daemon) halt() {
	// The ordering of operations here is deliberate.
	d.log.Notice("Starting graceful shutdown.")

	// Stop taking events from the packet layer.
	if d.transport != nil {
		d.transport.Halt()
	}

	if d.service != nil {
		d.service.Halt()
	}
	if d.acks != nil {
		d.acks.Halt()
	}

	// Flush and close the token database.
	if d.flusher != nil {
		d.flusher.Halt()
		d.flusher = nil
	}
	if d.db != nil {
		if err := d.db.Flush(d.store, d.recipients); err != nil {
			d.log.Errorf("Failed to flush the token store: %v", err)
		}
		if err := d.db.Close(); err != nil {
			d.log.Errorf("Failed to close the token database: %v", err)
		}
		d.db = nil
	}

	if d.transport != nil {
		d.transport.Close()
	}
	if d.stopProfiling != nil {
		if err := d.stopProfiling(); err != nil {
			d.log.Warningf("Failed to stop profiling: %v", err)
		}
	}

	d.log.Notice("Shutdown complete.")
	close(d.haltedCh)
}

// New returns a new Daemon instance parameterized with the specified
// configuration.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}
	if err := d.initLogging(); err != nil {
		return nil, err
	}
	if d.cfg.Logging.Level == "DEBUG" {
		d.log.Warning("Debug logging is enabled, it may leak correspondent identifiers.")
	}

	// Past this point, failures need to call d.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			d.Shutdown()
		}
	}()

	var err error
	if d.stopProfiling, err = profiling.Start(d.log, "replyctl"); err != nil {
		d.log.Warningf("Profiling is unavailable: %v", err)
	}

	if err = d.initStore(); err != nil {
		d.log.Errorf("Failed to initialize the token store: %v", err)
		return nil, err
	}

	d.tracker = epochtime.NewTracker(cfg.KeyRotation.Schedule(), nil)

	egress := cfg.Egress
	err = retry.Do(ctx, retry.DefaultPolicy(), func() error {
		var dialErr error
		d.transport, dialErr = dispatch.Dial(ctx, d.logBackend, egress.Network, egress.Address)
		return dialErr
	}, func(attempt int, delay time.Duration, err error) {
		d.log.Warningf("Packet layer unreachable (attempt %d), retrying in %v: %v", attempt+1, delay, err)
	})
	if err != nil {
		d.log.Errorf("Failed to connect to the packet layer: %v", err)
		return nil, err
	}
	d.log.Noticef("Connected to the packet layer at %v://%v.", egress.Network, egress.Address)

	fragmenter, err := dispatch.NewFragmenter(cfg.Debug.FragmentPayloadSize)
	if err != nil {
		return nil, err
	}
	d.acks = dispatch.NewAckRegistry(d.logBackend, cfg.Debug.RoundTripTimeSlop.Duration, d.onDeliveryTimeout)
	d.handler = dispatch.NewHandler(d.logBackend, d.transport, d.acks, fragmenter, cfg.Debug.ExpectedRoundTripTime.Duration)

	controller := replies.NewController(&replies.Config{
		LogBackend: d.logBackend,
		Parameters: cfg.ReplyTokens.Parameters(),
		Store:      d.store,
		Dispatcher: d.handler,
		Fragmenter: fragmenter,
		Rotation:   d.tracker,
		Recipients: d.recipients,
		Fairness:   cfg.Fairness.NewPolicy(),
	})
	d.service = replies.NewService(d.logBackend, controller, cfg.ReplyTokens.StaleInspectionInterval.Duration)

	if cfg.Metrics.Enable {
		instrument.StartPrometheusListener(cfg.Metrics.Address)
		d.log.Noticef("Serving metrics on %v.", cfg.Metrics.Address)
	}

	d.service.Start()
	d.acks.Start()
	if d.db != nil {
		d.flusher = newFlusher(d, cfg.Storage.FlushInterval.Duration)
	}
	d.transport.Start(d.receive)

	// Losing the packet layer is fatal.
	transportDone := d.transport.Done()
	go func() {
		select {
		case <-transportDone:
			d.Shutdown()
		case <-d.haltedCh:
		}
	}()

	isOk = true
	return d, nil
}
