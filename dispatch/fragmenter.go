// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/replyctl/replies"
)

// maxFragmentsPerSet is the largest number of fragments a single set
// can describe.
const maxFragmentsPerSet = 255

// Fragmenter splits reply payloads into fixed size fragments.  Set
// identifiers start at a random value and are unique for the lifetime of
// the Fragmenter.
type Fragmenter struct {
	payloadSize int
	nextSetID   atomic.Uint32
}

// NewFragmenter returns a Fragmenter producing fragments of at most
// payloadSize bytes.
func NewFragmenter(payloadSize int) (*Fragmenter, error) {
	if payloadSize <= 0 {
		return nil, errors.New("dispatch: fragment payload size must be positive")
	}
	var seed [4]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, err
	}
	f := &Fragmenter{
		payloadSize: payloadSize,
	}
	f.nextSetID.Store(binary.BigEndian.Uint32(seed[:]))
	return f, nil
}

// NewSetID returns a fresh set identifier.
func (f *Fragmenter) NewSetID() int32 {
	return int32(f.nextSetID.Add(1))
}

// SplitReply implements replies.Fragmenter.  An empty payload yields a
// single empty fragment; payloads too large for one set span several.
func (f *Fragmenter) SplitReply(payload []byte) []*replies.Fragment {
	var chunks [][]byte
	for len(payload) > f.payloadSize {
		chunks = append(chunks, payload[:f.payloadSize])
		payload = payload[f.payloadSize:]
	}
	chunks = append(chunks, payload)

	out := make([]*replies.Fragment, 0, len(chunks))
	for len(chunks) > 0 {
		n := min(len(chunks), maxFragmentsPerSet)
		setID := f.NewSetID()
		for i, chunk := range chunks[:n] {
			out = append(out, &replies.Fragment{
				ID:      replies.FragmentID{SetID: setID, Position: uint8(i)},
				Total:   uint8(n),
				Payload: chunk,
			})
		}
		chunks = chunks[n:]
	}
	return out
}

var _ replies.Fragmenter = (*Fragmenter)(nil)
