// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tokenstore

import (
	"sync"

	"github.com/katzenpost/replyctl/replies"
)

// Recipients maps the recipients we sent anonymous messages to onto the
// sender tag we used with them.
type Recipients struct {
	sync.RWMutex

	tags map[replies.Recipient]replies.SenderTag
}

// NewRecipients returns an empty Recipients.
func NewRecipients() *Recipients {
	return &Recipients{
		tags: make(map[replies.Recipient]replies.SenderTag),
	}
}

// Known returns true iff we used a sender tag with recipient.
func (r *Recipients) Known(recipient replies.Recipient) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.tags[recipient]
	return ok
}

// TagFor returns the sender tag used with recipient, generating one on
// first use.
func (r *Recipients) TagFor(recipient replies.Recipient) (replies.SenderTag, error) {
	r.Lock()
	defer r.Unlock()
	if tag, ok := r.tags[recipient]; ok {
		return tag, nil
	}
	tag, err := replies.NewSenderTag()
	if err != nil {
		return tag, err
	}
	r.tags[recipient] = tag
	return tag, nil
}

func (r *Recipients) snapshot() map[replies.Recipient]replies.SenderTag {
	r.RLock()
	defer r.RUnlock()
	out := make(map[replies.Recipient]replies.SenderTag, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

func (r *Recipients) restore(recipient replies.Recipient, tag replies.SenderTag) {
	r.Lock()
	defer r.Unlock()
	r.tags[recipient] = tag
}

var _ replies.RecipientRegistry = (*Recipients)(nil)
