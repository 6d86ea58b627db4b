// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientTokens is returned when not even a single token is
	// available for a correspondent.
	ErrInsufficientTokens = errors.New("replies: insufficient reply tokens")

	// ErrConcurrentTokenLoss is reported when tokens counted as available
	// could not be drawn a moment later.
	ErrConcurrentTokenLoss = errors.New("replies: reply tokens vanished between count and draw")

	// ErrEmptyPop is reported when a non-empty pending queue yields nothing.
	ErrEmptyPop = errors.New("replies: empty pop from a non-empty pending queue")

	// ErrUnknownCorrespondent is reported for replies to correspondents we
	// hold no tokens for.
	ErrUnknownCorrespondent = errors.New("replies: no reply tokens stored for correspondent")

	// ErrHalted is returned by Service calls made after Halt.
	ErrHalted = errors.New("replies: service halted")
)

// DispatchError is a failure of the network facing dispatcher.  It carries
// every token handed to the dispatcher that was not consumed.
type DispatchError struct {
	Err    error
	Unused []ReplyToken
}

// NewDispatchError returns a DispatchError wrapping err.
func NewDispatchError(err error, unused []ReplyToken) *DispatchError {
	return &DispatchError{
		Err:    err,
		Unused: unused,
	}
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("replies: dispatch failed (%d unused tokens): %v", len(e.Unused), e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// unusedTokens extracts the unused tokens carried by err, if any.
func unusedTokens(err error) []ReplyToken {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Unused
	}
	return nil
}
