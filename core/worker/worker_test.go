// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-or-later

package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	started := make(chan struct{})
	w.Go(func() {
		close(started)
		<-w.HaltCh()
	})
	<-started

	ctx := w.Context()
	require.NoError(ctx.Err())

	w.Halt()
	require.Error(ctx.Err())

	// A second Halt must not panic on the closed channel.
	require.NotPanics(w.Halt)
}
