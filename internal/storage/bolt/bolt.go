// Package bolt implements storage.Store on a single bbolt file.
//
// It is the default store for a single gateway instance. bbolt holds an
// exclusive file lock, so several instances sharing one data directory is not
// supported; use the postgres store for that.
//
// Layout (one bucket each, all keys are byte strings, NUL-separated):
//
//	messages  id                              → JSON types.Message
//	pairs     lo \0 hi \0 id                  → nil   (conversation order)
//	pending   receiver \0 id                  → nil   (state == Sent)
//	unseen    receiver \0 sender \0 id        → nil   (state <  Seen)
//	peers     peer \0 other                   → id of the latest message
//
// IDs are ULIDs whose timestamp equals CreatedAt, so byte order on the id
// suffix is conversation order.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/epochchat/internal/node"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/types"
)

var (
	bucketMessages = []byte("messages")
	bucketPairs    = []byte("pairs")
	bucketPending  = []byte("pending")
	bucketUnseen   = []byte("unseen")
	bucketPeers    = []byte("peers")

	allBuckets = [][]byte{bucketMessages, bucketPairs, bucketPending, bucketUnseen, bucketPeers}
)

const sep = 0x00

// Store is a bbolt-backed storage.Store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	timeout time.Duration
	now     func() time.Time
}

// WithOpenTimeout bounds how long Open waits for the file lock. Zero (the
// default) waits forever.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock replaces time.Now as the source of CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens (or creates) the store file at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db, now: o.now}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// CreateMessage implements storage.Store.
func (s *Store) CreateMessage(ctx context.Context, nm types.NewMessage) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidateNew(nm); err != nil {
		return nil, err
	}

	var msg *types.Message
	err := s.update(func(tx *bbolt.Tx) error {
		// The ID is minted inside the write transaction so that ID order,
		// CreatedAt order and commit order agree.
		id, err := node.NewIDAt(s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		createdAt, err := node.Time(id)
		if err != nil {
			return err
		}
		msg = &types.Message{
			ID:            id,
			ClientID:      nm.ClientID,
			SenderID:      nm.SenderID,
			ReceiverID:    nm.ReceiverID,
			Text:          nm.Text,
			CreatedAt:     createdAt,
			DeliveryState: types.StateSent,
		}
		if err := putMessage(tx, msg); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPairs).Put(pairKey(msg.SenderID, msg.ReceiverID, id), nil); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(key(msg.ReceiverID, id), nil); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUnseen).Put(key(msg.ReceiverID, msg.SenderID, id), nil); err != nil {
			return err
		}
		peers := tx.Bucket(bucketPeers)
		if err := peers.Put(key(msg.SenderID, msg.ReceiverID), []byte(id)); err != nil {
			return err
		}
		return peers.Put(key(msg.ReceiverID, msg.SenderID), []byte(id))
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: create message: %w", err)
	}
	return msg, nil
}

// MarkDelivered implements storage.Store.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*types.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		msg     *types.Message
		changed bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		if err != nil {
			return err
		}
		changed, err = advance(tx, msg, types.StateDelivered)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt: mark delivered %s: %w", id, err)
	}
	return msg, changed, nil
}

// MarkDeliveredMany implements storage.Store.
func (s *Store) MarkDeliveredMany(ctx context.Context, ids []string) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var changedMsgs []*types.Message
	err := s.update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			msg, err := getMessage(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			changed, err := advance(tx, msg, types.StateDelivered)
			if err != nil {
				return err
			}
			if changed {
				changedMsgs = append(changedMsgs, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: mark delivered batch: %w", err)
	}
	slices.SortFunc(changedMsgs, func(x, y *types.Message) int { return strings.Compare(x.ID, y.ID) })
	return changedMsgs, nil
}

// MarkConversationSeen implements storage.Store.
func (s *Store) MarkConversationSeen(ctx context.Context, senderID, receiverID string) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var changedMsgs []*types.Message
	err := s.update(func(tx *bbolt.Tx) error {
		ids := scanIDs(tx.Bucket(bucketUnseen), key(receiverID, senderID, ""))
		for _, id := range ids {
			msg, err := getMessage(tx, id)
			if err != nil {
				return err
			}
			changed, err := advance(tx, msg, types.StateSeen)
			if err != nil {
				return err
			}
			if changed {
				changedMsgs = append(changedMsgs, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: mark seen %s->%s: %w", senderID, receiverID, err)
	}
	return changedMsgs, nil
}

// advance applies a forward transition to msg and keeps the secondary
// buckets consistent with the new state. It is a no-op when msg is already
// at or past target.
func advance(tx *bbolt.Tx, msg *types.Message, target types.DeliveryState) (bool, error) {
	from := msg.DeliveryState
	next, changed := from.Advance(target)
	if !changed {
		return false, nil
	}
	msg.DeliveryState = next

	if from == types.StateSent {
		if err := tx.Bucket(bucketPending).Delete(key(msg.ReceiverID, msg.ID)); err != nil {
			return false, err
		}
	}
	if next == types.StateSeen {
		if err := tx.Bucket(bucketUnseen).Delete(key(msg.ReceiverID, msg.SenderID, msg.ID)); err != nil {
			return false, err
		}
	}
	return true, putMessage(tx, msg)
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// GetMessage implements storage.Store.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg *types.Message
	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		return err
	})
	return msg, err
}

// PendingFor implements storage.Store.
func (s *Store) PendingFor(ctx context.Context, receiverID, after string, limit int) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}

	var out []*types.Message
	err := s.view(func(tx *bbolt.Tx) error {
		prefix := key(receiverID, "")
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.Seek(key(receiverID, after)); k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, _ = c.Next() {
			id := string(k[len(prefix):])
			if id <= after {
				continue
			}
			msg, err := getMessage(tx, id)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: pending for %s: %w", receiverID, err)
	}
	return out, nil
}

// History implements storage.Store.
func (s *Store) History(ctx context.Context, a, b string, opts storage.HistoryOptions) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.Normalize()

	var out []*types.Message
	err := s.view(func(tx *bbolt.Tx) error {
		prefix := pairKey(a, b, "")
		upper := append(bytes.Clone(prefix), 0xff)
		if opts.Before != "" {
			upper = pairKey(a, b, opts.Before)
		}

		c := tx.Bucket(bucketPairs).Cursor()
		k, _ := c.Seek(upper)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < opts.Limit; k, _ = c.Prev() {
			msg, err := getMessage(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: history: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Conversations implements storage.Store.
func (s *Store) Conversations(ctx context.Context, peerID string) ([]types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []types.Conversation
	err := s.view(func(tx *bbolt.Tx) error {
		prefix := key(peerID, "")
		unseen := tx.Bucket(bucketUnseen)

		c := tx.Bucket(bucketPeers).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			other := string(k[len(prefix):])
			last, err := getMessage(tx, string(v))
			if err != nil {
				return err
			}
			out = append(out, types.Conversation{
				PeerID:      other,
				LastMessage: last,
				UnreadCount: countPrefix(unseen, key(peerID, other, "")),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: conversations: %w", err)
	}

	storage.SortConversations(out)
	return out, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	err := s.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

func getMessage(tx *bbolt.Tx, id string) (*types.Message, error) {
	val := tx.Bucket(bucketMessages).Get([]byte(id))
	if val == nil {
		return nil, storage.ErrNotFound
	}
	var msg types.Message
	if err := json.Unmarshal(val, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

func putMessage(tx *bbolt.Tx, msg *types.Message) error {
	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return tx.Bucket(bucketMessages).Put([]byte(msg.ID), val)
}

// key joins parts with the NUL separator. A trailing empty part yields a
// prefix ending in the separator.
func key(parts ...string) []byte {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, sep)
		}
		b = append(b, p...)
	}
	return b
}

func pairKey(a, b, id string) []byte {
	if a > b {
		a, b = b, a
	}
	return key(a, b, id)
}

// scanIDs returns the id suffix of every key under prefix, in key order.
func scanIDs(b *bbolt.Bucket, prefix []byte) []string {
	var ids []string
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

func countPrefix(b *bbolt.Bucket, prefix []byte) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}
	return n
}
