// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyctl/core/log"
)

func writeTestFrame(t *testing.T, conn net.Conn, f *Frame) {
	blob, err := cbor.Marshal(f)
	require.NoError(t, err)
	var prefix [framePrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(blob)))
	_, err = conn.Write(append(prefix[:], blob...))
	require.NoError(t, err)
}

func readTestFrame(t *testing.T, conn net.Conn) *Frame {
	var prefix [framePrefixLen]byte
	_, err := io.ReadFull(conn, prefix[:])
	require.NoError(t, err)
	blob := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	_, err = io.ReadFull(conn, blob)
	require.NoError(t, err)
	f := new(Frame)
	require.NoError(t, cbor.Unmarshal(blob, f))
	return f
}

func TestStreamTransport(t *testing.T) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	local, remote := net.Pipe()
	defer remote.Close()

	transport := NewStreamTransport(logBackend, local)
	received := make(chan *Frame, 4)
	transport.Start(func(f *Frame) {
		received <- f
	})

	writeTestFrame(t, remote, &Frame{Ack: &Ack{SetID: -3, Position: 2}})
	select {
	case f := <-received:
		require.NotNil(t, f.Ack)
		require.Equal(t, int32(-3), f.Ack.SetID)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}

	em := encMode()
	first, err := em.Marshal(&Frame{AdditionalTokens: &AdditionalTokens{Recipient: "a", Amount: 1}})
	require.NoError(t, err)
	second, err := em.Marshal(&Frame{AdditionalTokens: &AdditionalTokens{Recipient: "b", Amount: 2}})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.WriteFrames(context.Background(), [][]byte{first, second})
	}()
	require.Equal(t, "a", readTestFrame(t, remote).AdditionalTokens.Recipient)
	require.Equal(t, "b", readTestFrame(t, remote).AdditionalTokens.Recipient)
	require.NoError(t, <-errCh)

	require.NoError(t, transport.Close())
	select {
	case <-transport.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestStreamTransportRemoteClose(t *testing.T) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	local, remote := net.Pipe()

	transport := NewStreamTransport(logBackend, local)
	transport.Start(func(*Frame) {})
	require.NoError(t, remote.Close())

	select {
	case <-transport.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
	transport.Close()
}

func TestStreamTransportWriteHonoursContext(t *testing.T) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	local, remote := net.Pipe()
	defer remote.Close()
	transport := NewStreamTransport(logBackend, local)
	defer transport.Close()

	// The packet layer never reads.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.WriteFrames(ctx, [][]byte{[]byte("stuck")})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrPartialWrite)
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after cancel")
	}
	require.ErrorIs(t, transport.WriteFrames(ctx, [][]byte{[]byte("late")}), context.Canceled)
}

func TestStreamTransportHaltUnblocksWrite(t *testing.T) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	local, remote := net.Pipe()
	defer remote.Close()
	transport := NewStreamTransport(logBackend, local)
	transport.Start(func(*Frame) {})

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.WriteFrames(context.Background(), [][]byte{[]byte("stuck")})
	}()
	time.Sleep(50 * time.Millisecond)

	halted := make(chan struct{})
	go func() {
		transport.Halt()
		close(halted)
	}()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after halt")
	}
	select {
	case <-halted:
	case <-time.After(5 * time.Second):
		t.Fatal("halt did not return")
	}
	require.Error(t, transport.WriteFrames(context.Background(), [][]byte{[]byte("late")}))
	transport.Close()
}

func TestStreamTransportPartialWrite(t *testing.T) {
	logBackend, err := log.NewWithWriter(io.Discard, "DEBUG")
	require.NoError(t, err)
	local, remote := net.Pipe()
	defer remote.Close()
	transport := NewStreamTransport(logBackend, local)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.WriteFrames(ctx, [][]byte{[]byte("first"), []byte("second")})
	}()
	var prefix [framePrefixLen]byte
	_, err = io.ReadFull(remote, prefix[:])
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPartialWrite)
	case <-time.After(5 * time.Second):
		t.Fatal("write still blocked after cancel")
	}
	// The torn stream is closed.
	_, err = remote.Read(prefix[:])
	require.ErrorIs(t, err, io.EOF)
}
