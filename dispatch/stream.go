// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/core/worker"
)

const (
	framePrefixLen = 4

	// MaxFrameSize bounds a single frame read from the packet layer.
	MaxFrameSize = 1 << 20
)

var (
	// ErrPartialWrite is returned when a batch was cut short after some of
	// it reached the connection.  The connection is closed, since the
	// packet layer can no longer find the next frame boundary.
	ErrPartialWrite = errors.New("dispatch: partial write")

	errTransportHalted = errors.New("dispatch: transport halted")
)

// Transport carries encoded frames to the packet layer.
type Transport interface {
	// WriteFrames writes every frame.  On failure either nothing was
	// written, or the error wraps ErrPartialWrite.
	WriteFrames(ctx context.Context, frames [][]byte) error
}

// StreamTransport exchanges length prefixed cbor frames with the packet
// layer over a stream connection.
type StreamTransport struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	writeLock  sync.Mutex
	readerDone chan struct{}
}

// Dial connects to the packet layer at address.
func Dial(ctx context.Context, logBackend *log.Backend, network, address string) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to dial %s: %w", address, err)
	}
	return NewStreamTransport(logBackend, conn), nil
}

// NewStreamTransport returns a StreamTransport over conn.
func NewStreamTransport(logBackend *log.Backend, conn net.Conn) *StreamTransport {
	return &StreamTransport{
		log:        logBackend.GetLogger("dispatch/stream"),
		conn:       conn,
		readerDone: make(chan struct{}),
	}
}

// WriteFrames implements Transport.  The frames go out in a single write.
func (t *StreamTransport) WriteFrames(ctx context.Context, frames [][]byte) error {
	size := 0
	for _, f := range frames {
		size += framePrefixLen + len(f)
	}
	toSend := make([]byte, 0, size)
	for _, f := range frames {
		toSend = binary.BigEndian.AppendUint32(toSend, uint32(len(f)))
		toSend = append(toSend, f...)
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// Halting the transport or cancelling ctx expires the write deadline.
	expire := func() {
		t.conn.SetWriteDeadline(time.Now())
	}
	stopHalt := context.AfterFunc(t.Context(), expire)
	defer stopHalt()
	stopCtx := context.AfterFunc(ctx, expire)
	defer stopCtx()
	if t.Context().Err() != nil {
		return errTransportHalted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	count, err := t.conn.Write(toSend)
	if count == len(toSend) && err == nil {
		return nil
	}
	if count == 0 {
		if err == nil {
			err = io.ErrShortWrite
		}
		return err
	}
	t.log.Errorf("closing the connection after writing %d of %d bytes: %v", count, len(toSend), err)
	t.conn.Close()
	return fmt.Errorf("%w: %d of %d bytes: %v", ErrPartialWrite, count, len(toSend), err)
}

func (t *StreamTransport) readFrame() (*Frame, error) {
	var prefix [framePrefixLen]byte
	if _, err := io.ReadFull(t.conn, prefix[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(prefix[:])
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("dispatch: oversized frame: %d", frameLen)
	}
	blob := make([]byte, frameLen)
	if _, err := io.ReadFull(t.conn, blob); err != nil {
		return nil, err
	}
	frame := new(Frame)
	if err := cbor.Unmarshal(blob, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Start reads frames from the connection and hands them to handle until
// the connection fails or the transport is halted.
func (t *StreamTransport) Start(handle func(*Frame)) {
	t.Go(func() {
		<-t.HaltCh()
		// Unblocks the reader and any pending write.
		t.conn.SetDeadline(time.Now())
	})
	t.Go(func() {
		defer close(t.readerDone)
		for {
			frame, err := t.readFrame()
			if err != nil {
				select {
				case <-t.HaltCh():
				default:
					if !errors.Is(err, io.EOF) {
						t.log.Errorf("failed to read frame: %v", err)
					} else {
						t.log.Notice("packet layer closed the connection")
					}
				}
				return
			}
			handle(frame)
		}
	})
}

// Done returns a channel closed once the transport stops reading.
func (t *StreamTransport) Done() <-chan struct{} {
	return t.readerDone
}

// Close halts the transport and closes the connection.
func (t *StreamTransport) Close() error {
	t.Halt()
	return t.conn.Close()
}
