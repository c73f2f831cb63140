package message

import (
	"context"
	"database/sql"
	"fmt"
)

// Store manages the durable message log in PostgreSQL.
//
// Persistence is decoupled from delivery on purpose: the router logs Insert
// failures and keeps delivering, so a database outage degrades history but
// never drops live traffic. Callers must not surface storage errors on the
// client-facing protocol.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends a message to the log. Ids are append-only: the primary key
// guarantees a deleted id is never silently reused.
func (s *Store) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, sender, recipient, group_id, content, msg_type, ts, disappear_time)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, 0))`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.Sender,
		m.Recipient,
		m.GroupID,
		m.Content,
		m.Kind,
		m.Timestamp,
		m.DisappearTime,
	)
	if err != nil {
		return fmt.Errorf("message: insert %s: %w", m.ID, err)
	}
	return nil
}

// DeleteByID removes a message row. Deleting an id that does not exist is a
// no-op, not an error — expiry timers and administrative deletes may race
// and the loser must fail gracefully.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	const query = `DELETE FROM messages WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("message: delete %s: %w", id, err)
	}
	return nil
}

// QueryByRecipient returns up to limit messages involving the identity as
// sender or private recipient, oldest first (most recent last). It serves
// the history API, not the live routing path.
func (s *Store) QueryByRecipient(ctx context.Context, identity string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	// Newest-first with LIMIT picks the most recent window; the outer query
	// restores chronological order for rendering.
	const query = `
		SELECT id, sender, COALESCE(recipient, ''), COALESCE(group_id, ''),
		       content, msg_type, ts, COALESCE(disappear_time, 0)
		FROM (
			SELECT * FROM messages
			WHERE sender = $1 OR recipient = $1
			ORDER BY ts DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("message: query by recipient %s: %w", identity, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.GroupID,
			&m.Content, &m.Kind, &m.Timestamp, &m.DisappearTime); err != nil {
			return nil, fmt.Errorf("message: scan row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: iterate rows: %w", err)
	}
	return out, nil
}
