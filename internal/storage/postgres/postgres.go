// Package postgres implements storage.Store on PostgreSQL through a pgx
// connection pool. Several gateway instances can share one database; every
// delivery state change is a conditional UPDATE, so the database arbitrates
// races between instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sneh-joshi/epochchat/internal/node"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/types"
)

// Schema is applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             TEXT     PRIMARY KEY,
	client_id      TEXT     NOT NULL DEFAULT '',
	sender_id      TEXT     NOT NULL,
	receiver_id    TEXT     NOT NULL,
	text           TEXT     NOT NULL,
	created_at     BIGINT   NOT NULL,
	delivery_state SMALLINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS messages_pair_idx
	ON messages (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id), created_at, id);

CREATE INDEX IF NOT EXISTS messages_receiver_state_idx
	ON messages (receiver_id, delivery_state);

CREATE INDEX IF NOT EXISTS messages_sender_idx
	ON messages (sender_id, created_at);

CREATE TABLE IF NOT EXISTS message_clock (
	singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	last_ms   BIGINT  NOT NULL
);

INSERT INTO message_clock (singleton, last_ms) VALUES (TRUE, 0)
	ON CONFLICT (singleton) DO NOTHING;
`

const messageColumns = `id, client_id, sender_id, receiver_id, text, created_at, delivery_state`

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to databaseURL, verifies the connection and applies Schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Truncate deletes every message. The clock row is kept so CreatedAt stays
// non-decreasing.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE messages`); err != nil {
		return fmt.Errorf("postgres: truncate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateMessage implements storage.Store.
//
// CreatedAt is drawn from the shared message_clock row, which is locked for
// the duration of the transaction, so timestamps never decrease even when
// instances disagree about the wall clock.
func (s *Store) CreateMessage(ctx context.Context, nm types.NewMessage) (*types.Message, error) {
	if err := storage.ValidateNew(nm); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var createdAt int64
	if err := tx.QueryRow(ctx, `
		UPDATE message_clock SET last_ms = GREATEST(last_ms, $1)
		RETURNING last_ms
	`, s.now().UnixMilli()).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("postgres: advance clock: %w", err)
	}

	id, err := node.NewIDAt(createdAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: generate id: %w", err)
	}

	msg, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (id, client_id, sender_id, receiver_id, text, created_at, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		id, nm.ClientID, nm.SenderID, nm.ReceiverID, nm.Text, createdAt, int16(types.StateSent)))
	if err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return msg, nil
}

// GetMessage implements storage.Store.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	return msg, nil
}

// MarkDelivered implements storage.Store.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*types.Message, bool, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages SET delivery_state = $2
		WHERE id = $1 AND delivery_state < $2
		RETURNING `+messageColumns,
		id, int16(types.StateDelivered)))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("postgres: mark delivered %s: %w", id, err)
	}

	// Either the message is already past Sent or it does not exist.
	msg, err = s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: mark delivered %s: %w", id, err)
	}
	return msg, false, nil
}

// MarkDeliveredMany implements storage.Store.
func (s *Store) MarkDeliveredMany(ctx context.Context, ids []string) ([]*types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET delivery_state = $2
		WHERE id = ANY($1::text[]) AND delivery_state < $2
		RETURNING `+messageColumns,
		ids, int16(types.StateDelivered))
	if err != nil {
		return nil, fmt.Errorf("postgres: mark delivered batch: %w", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark delivered batch: %w", err)
	}
	sortConversationOrder(msgs)
	return msgs, nil
}

// PendingFor implements storage.Store.
func (s *Store) PendingFor(ctx context.Context, receiverID, after string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = storage.DefaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver_id = $1 AND delivery_state = $2
		  AND ($3::text = '' OR (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $3::text))
		ORDER BY created_at, id
		LIMIT $4`,
		receiverID, int16(types.StateSent), after, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending for %s: %w", receiverID, err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending for %s: %w", receiverID, err)
	}
	return msgs, nil
}

// MarkConversationSeen implements storage.Store.
func (s *Store) MarkConversationSeen(ctx context.Context, senderID, receiverID string) ([]*types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET delivery_state = $3
		WHERE sender_id = $1 AND receiver_id = $2 AND delivery_state < $3
		RETURNING `+messageColumns,
		senderID, receiverID, int16(types.StateSeen))
	if err != nil {
		return nil, fmt.Errorf("postgres: mark seen %s->%s: %w", senderID, receiverID, err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark seen %s->%s: %w", senderID, receiverID, err)
	}
	sortConversationOrder(msgs)
	return msgs, nil
}

// History implements storage.Store.
func (s *Store) History(ctx context.Context, a, b string, opts storage.HistoryOptions) ([]*types.Message, error) {
	opts = opts.Normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE LEAST(sender_id, receiver_id) = LEAST($1::text, $2::text)
		  AND GREATEST(sender_id, receiver_id) = GREATEST($1::text, $2::text)
		  AND ($3 = '' OR (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, a, b, opts.Before, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Conversations implements storage.Store.
func (s *Store) Conversations(ctx context.Context, peerID string) ([]types.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (peer) `+messageColumns+`
		FROM (
			SELECT *, CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
		) t
		ORDER BY peer, created_at DESC, id DESC
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: conversations: %w", err)
	}
	last, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: conversations: %w", err)
	}

	unread := make(map[string]int)
	rows, err = s.pool.Query(ctx, `
		SELECT sender_id, count(*) FROM messages
		WHERE receiver_id = $1 AND delivery_state < $2
		GROUP BY sender_id
	`, peerID, int16(types.StateSeen))
	if err != nil {
		return nil, fmt.Errorf("postgres: unread counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sender string
			n      int64
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("postgres: unread counts: %w", err)
		}
		unread[sender] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: unread counts: %w", err)
	}

	out := make([]types.Conversation, 0, len(last))
	for _, m := range last {
		peer := m.Peer(peerID)
		out = append(out, types.Conversation{
			PeerID:      peer,
			LastMessage: m,
			UnreadCount: unread[peer],
		})
	}
	storage.SortConversations(out)
	return out, nil
}

// ─── Scanning ────────────────────────────────────────────────────────────────

func scanMessage(row pgx.Row) (*types.Message, error) {
	var (
		m     types.Message
		state int16
	)
	if err := row.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.ReceiverID, &m.Text, &m.CreatedAt, &state); err != nil {
		return nil, err
	}
	m.DeliveryState = types.DeliveryState(state)
	return &m, nil
}

func collect(rows pgx.Rows) ([]*types.Message, error) {
	defer rows.Close()
	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func sortConversationOrder(msgs []*types.Message) {
	slices.SortFunc(msgs, func(x, y *types.Message) int {
		switch {
		case x.Before(y):
			return -1
		case y.Before(x):
			return 1
		}
		return 0
	})
}
