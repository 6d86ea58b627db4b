// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel, David Stainton.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package epochtime implements epoch and key rotation timekeeping.
//
// Epochs have a constant length and are grouped into key rotations of a
// constant number of epochs.  Reply tokens are built with the keys of a
// single rotation, so the parity of the rotation identifier is enough to
// tell the current and the previous rotation apart.
package epochtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// DefaultEpochDuration is the default duration of one epoch.
	DefaultEpochDuration = time.Hour

	// DefaultEpochsPerRotation is the default number of epochs in a key rotation.
	DefaultEpochsPerRotation uint32 = 24

	// DefaultInitialTime is the start of epoch zero and rotation zero.
	DefaultInitialTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

// EpochMetadata is the epoch information last reported by the network
// topology.
type EpochMetadata struct {
	// AbsoluteEpochID is the epoch the topology was published for.
	AbsoluteEpochID uint64

	// EpochStart is when that epoch began.
	EpochStart time.Time

	// RotationID is the key rotation the topology claims to be in.
	RotationID uint32
}

// RotationSchedule maps wall clock time onto epochs and key rotations.
type RotationSchedule struct {
	EpochDuration     time.Duration
	EpochsPerRotation uint32
	InitialTime       time.Time

	// StuckThreshold is how far past the expected end of a reported epoch
	// the clock may drift before the epoch is considered stuck.
	StuckThreshold time.Duration
}

// Validate checks the schedule for nonsensical values.
func (s *RotationSchedule) Validate() error {
	if s.EpochDuration <= 0 {
		return errors.New("epochtime: EpochDuration must be positive")
	}
	if s.EpochsPerRotation == 0 {
		return errors.New("epochtime: EpochsPerRotation must be positive")
	}
	if s.StuckThreshold < 0 {
		return errors.New("epochtime: StuckThreshold must not be negative")
	}
	return nil
}

// RotationDuration returns the length of a single key rotation.
func (s *RotationSchedule) RotationDuration() time.Duration {
	return s.EpochDuration * time.Duration(s.EpochsPerRotation)
}

// RotationLifetime returns the longest time keys of a rotation may remain
// in use: the rotation itself plus one transition epoch.
func (s *RotationSchedule) RotationLifetime() time.Duration {
	return s.RotationDuration() + s.EpochDuration
}

func (s *RotationSchedule) sinceInitial(t time.Time) time.Duration {
	d := t.Sub(s.InitialTime)
	if d < 0 {
		return 0
	}
	return d
}

// Epoch returns the absolute epoch containing t.
func (s *RotationSchedule) Epoch(t time.Time) uint64 {
	return uint64(s.sinceInitial(t) / s.EpochDuration)
}

// RotationID returns the expected key rotation containing t.
func (s *RotationSchedule) RotationID(t time.Time) uint32 {
	return uint32(s.sinceInitial(t) / s.RotationDuration())
}

// RotationStart returns the expected start of the key rotation containing t.
func (s *RotationSchedule) RotationStart(t time.Time) time.Time {
	return s.InitialTime.Add(time.Duration(s.RotationID(t)) * s.RotationDuration())
}

// IsEpochStuck returns true iff the epoch described by meta should have
// ended well before now, that is the network is not advancing epochs.
func (s *RotationSchedule) IsEpochStuck(meta EpochMetadata, now time.Time) bool {
	expectedEnd := meta.EpochStart.Add(s.EpochDuration)
	return now.After(expectedEnd.Add(s.stuckThreshold()))
}

func (s *RotationSchedule) stuckThreshold() time.Duration {
	if s.StuckThreshold == 0 {
		return s.EpochDuration / 2
	}
	return s.StuckThreshold
}

// Tracker tracks the current key rotation, preferring the rotation reported
// by the most recent topology and falling back to the schedule.
type Tracker struct {
	sync.RWMutex

	schedule RotationSchedule
	clock    func() time.Time
	meta     *EpochMetadata
}

// NewTracker returns a Tracker for the given schedule.  A nil clock uses
// time.Now.
func NewTracker(schedule RotationSchedule, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		schedule: schedule,
		clock:    clock,
	}
}

// Schedule returns the rotation schedule in use.
func (t *Tracker) Schedule() *RotationSchedule {
	return &t.schedule
}

// Update records the epoch metadata of a freshly retrieved topology.
func (t *Tracker) Update(meta EpochMetadata) {
	t.Lock()
	defer t.Unlock()
	t.meta = &meta
}

// CurrentRotationID returns the current key rotation identifier.
func (t *Tracker) CurrentRotationID(ctx context.Context) (uint32, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	t.RLock()
	defer t.RUnlock()
	if t.meta != nil {
		return t.meta.RotationID, true
	}
	return t.schedule.RotationID(t.clock()), true
}

// CurrentEpochMetadata returns the last reported epoch metadata, if any.
func (t *Tracker) CurrentEpochMetadata(ctx context.Context) (EpochMetadata, bool) {
	if ctx.Err() != nil {
		return EpochMetadata{}, false
	}
	t.RLock()
	defer t.RUnlock()
	if t.meta == nil {
		return EpochMetadata{}, false
	}
	return *t.meta, true
}

// IsEpochStuck returns true iff the epoch described by meta has failed to
// advance.
func (t *Tracker) IsEpochStuck(meta EpochMetadata) bool {
	return t.IsEpochStuckAt(meta, t.clock())
}

// IsEpochStuckAt is IsEpochStuck evaluated at now.
func (t *Tracker) IsEpochStuckAt(meta EpochMetadata, now time.Time) bool {
	return t.schedule.IsEpochStuck(meta, now)
}
