// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"time"
)

const (
	defaultMinimumThresholdBuffer    = 5
	defaultMinimumRequestSize        = 10
	defaultMaximumRequestSize        = 100
	defaultMaximumAllowedRequestSize = 500
	defaultMaximumRerequestWait      = 10 * time.Second
	defaultMaximumDropWait           = 5 * time.Minute
	defaultMaximumRerequests         = 10
	defaultMaximumTokenAge           = 12 * time.Hour
	defaultFailureLogInterval        = 30 * time.Second
	defaultUnavailableReportWindow   = 30 * time.Second

	// additionalTokensBatchSize bounds a single batch of tokens sent in
	// response to a token request.
	additionalTokensBatchSize = 100
)

// Parameters tune the Controller.
type Parameters struct {
	// MinimumThresholdBuffer is the number of tokens above the store's
	// minimum threshold we want to hold on to proactively.
	MinimumThresholdBuffer int

	MinimumRequestSize int
	MaximumRequestSize int

	// MaximumAllowedRequestSize caps requests made of us by others.
	MaximumAllowedRequestSize int

	// MaximumRerequestWait is how long we wait for tokens before asking
	// again.
	MaximumRerequestWait time.Duration

	// MaximumDropWait is how long we wait for tokens before giving up on a
	// correspondent.
	MaximumDropWait time.Duration

	// MaximumRerequests is how many times we re-request before giving up.
	MaximumRerequests uint32

	// MaximumTokenAge is the age beyond which tokens are never used.
	MaximumTokenAge time.Duration

	FailureLogInterval      time.Duration
	UnavailableReportWindow time.Duration
}

// DefaultParameters returns the default Parameters.
func DefaultParameters() Parameters {
	return Parameters{
		MinimumThresholdBuffer:    defaultMinimumThresholdBuffer,
		MinimumRequestSize:        defaultMinimumRequestSize,
		MaximumRequestSize:        defaultMaximumRequestSize,
		MaximumAllowedRequestSize: defaultMaximumAllowedRequestSize,
		MaximumRerequestWait:      defaultMaximumRerequestWait,
		MaximumDropWait:           defaultMaximumDropWait,
		MaximumRerequests:         defaultMaximumRerequests,
		MaximumTokenAge:           defaultMaximumTokenAge,
		FailureLogInterval:        defaultFailureLogInterval,
		UnavailableReportWindow:   defaultUnavailableReportWindow,
	}
}

// queueClearingRequestSize returns the number of tokens to ask for when
// totalPending fragments are waiting.
func (p *Parameters) queueClearingRequestSize(totalPending int) int {
	size := totalPending + p.MinimumThresholdBuffer
	if size < p.MinimumRequestSize {
		size = p.MinimumRequestSize
	}
	if size > p.MaximumRequestSize {
		size = p.MaximumRequestSize
	}
	return size
}
