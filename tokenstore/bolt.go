// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package tokenstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyctl/core/log"
	"github.com/katzenpost/replyctl/replies"
)

const (
	metadataBucket   = "metadata"
	tokensBucket     = "reply_tokens"
	recipientsBucket = "recipients"
	versionKey       = "version"

	boltVersion = 0
)

var errCorruptTag = errors.New("tokenstore: corrupt sender tag key")

type persistedSet struct {
	Fresh            []replies.ReplyToken `cbor:"fresh"`
	PossiblyStale    []replies.ReplyToken `cbor:"possibly_stale"`
	PendingRequested int                  `cbor:"pending_requested"`
	LastReceivedAt   time.Time            `cbor:"last_received_at"`
}

// BoltBackend persists a Store and its Recipients in a bolt database.
type BoltBackend struct {
	log *logging.Logger
	db  *bolt.DB
	em  cbor.EncMode
}

// OpenBolt creates or loads the database at path.
func OpenBolt(logBackend *log.Backend, path string) (*BoltBackend, error) {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	b := &BoltBackend{
		log: logBackend.GetLogger("tokenstore/bolt"),
		db:  db,
		em:  em,
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(tokensBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recipientsBucket)); err != nil {
			return err
		}
		if v := bkt.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != boltVersion {
				return fmt.Errorf("tokenstore: incompatible version: %d", uint(v[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{boltVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close syncs and closes the database.
func (b *BoltBackend) Close() error {
	if err := b.db.Sync(); err != nil {
		b.log.Warningf("failed to sync the token database: %v", err)
	}
	return b.db.Close()
}

// Flush replaces the persisted state with the contents of store and
// recipients.
func (b *BoltBackend) Flush(store *Store, recipients *Recipients) error {
	store.RLock()
	sets := make(map[replies.SenderTag][]byte, len(store.sets))
	for tag, set := range store.sets {
		raw, err := b.em.Marshal(&persistedSet{
			Fresh:            set.fresh,
			PossiblyStale:    set.possiblyStale,
			PendingRequested: set.pendingRequested,
			LastReceivedAt:   set.lastReceivedAt,
		})
		if err != nil {
			store.RUnlock()
			return err
		}
		sets[tag] = raw
	}
	store.RUnlock()

	var known map[replies.Recipient]replies.SenderTag
	if recipients != nil {
		known = recipients.snapshot()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		tBkt, err := recreateBucket(tx, tokensBucket)
		if err != nil {
			return err
		}
		for tag, raw := range sets {
			if err = tBkt.Put(tag[:], raw); err != nil {
				return err
			}
		}
		rBkt, err := recreateBucket(tx, recipientsBucket)
		if err != nil {
			return err
		}
		for recipient, tag := range known {
			if err = rBkt.Put([]byte(recipient), tag[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		b.log.Debugf("flushed %d correspondents and %d recipients", len(sets), len(known))
	}
	return err
}

func recreateBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return nil, err
	}
	return tx.CreateBucket([]byte(name))
}

// Load populates store and recipients from the database.
func (b *BoltBackend) Load(store *Store, recipients *Recipients) error {
	return b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(tokensBucket)).ForEach(func(k, v []byte) error {
			tag, err := replies.SenderTagFromBytes(k)
			if err != nil {
				return errCorruptTag
			}
			p := new(persistedSet)
			if err = cbor.Unmarshal(v, p); err != nil {
				return fmt.Errorf("tokenstore: failed to decode tokens of %s: %w", tag, err)
			}
			store.Lock()
			store.sets[tag] = &tokenSet{
				fresh:            p.Fresh,
				possiblyStale:    p.PossiblyStale,
				pendingRequested: p.PendingRequested,
				lastReceivedAt:   p.LastReceivedAt,
			}
			store.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		if recipients == nil {
			return nil
		}
		return tx.Bucket([]byte(recipientsBucket)).ForEach(func(k, v []byte) error {
			tag, err := replies.SenderTagFromBytes(v)
			if err != nil {
				return errCorruptTag
			}
			recipients.restore(replies.Recipient(k), tag)
			return nil
		})
	})
}

// Inspect summarises the persisted tokens without loading them into a
// Store.
func (b *BoltBackend) Inspect() ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tokensBucket)).ForEach(func(k, v []byte) error {
			tag, err := replies.SenderTagFromBytes(k)
			if err != nil {
				return errCorruptTag
			}
			p := new(persistedSet)
			if err = cbor.Unmarshal(v, p); err != nil {
				return err
			}
			entries = append(entries, Entry{
				Tag:              tag,
				Fresh:            len(p.Fresh),
				PossiblyStale:    len(p.PossiblyStale),
				PendingRequested: p.PendingRequested,
				LastReceivedAt:   p.LastReceivedAt,
			})
			return nil
		})
	})
	return entries, err
}
