package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tendero/shopsync/internal/schema"
)

// MutationRecord is a stored queue entry. Seq is assigned on insert and
// defines replay order.
type MutationRecord struct {
	Seq        int64
	ID         string
	Op         string
	Kind       schema.Kind
	UserID     string
	Target     schema.ID
	Payload    []byte
	RetryCount int
	EnqueuedAt time.Time
	LastError  string
}

// InsertMutation appends m to the queue and sets m.Seq.
func (db *DB) InsertMutation(ctx context.Context, m *MutationRecord) error {
	var (
		server sql.NullString
		temp   sql.NullInt64
	)
	if !m.Target.IsZero() {
		var err error
		if server, temp, err = idColumns(m.Target); err != nil {
			return err
		}
	}

	var payload sql.NullString
	if m.Payload != nil {
		payload = sql.NullString{String: string(m.Payload), Valid: true}
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO mutations (id, op, kind, user_id, server_id, temp_id, payload, retry_count, enqueued_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Op, string(m.Kind), m.UserID, server, temp, payload, m.RetryCount, formatTime(m.EnqueuedAt), m.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mutation sequence: %w", err)
	}
	m.Seq = seq
	return nil
}

// ListMutations returns every queued mutation in enqueue order.
func (db *DB) ListMutations(ctx context.Context) ([]MutationRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, id, op, kind, user_id, server_id, temp_id, payload, retry_count, enqueued_at, last_error
		FROM mutations
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []MutationRecord
	for rows.Next() {
		var (
			m          MutationRecord
			kind       string
			server     sql.NullString
			temp       sql.NullInt64
			payload    sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.Op, &kind, &m.UserID, &server, &temp, &payload, &m.RetryCount, &enqueuedAt, &m.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Kind = schema.Kind(kind)
		m.Target = idFromColumns(server, temp)
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		m.EnqueuedAt = parseTime(enqueuedAt)
		out = append(out, m)
	}

	return out, rows.Err()
}

// UpdateMutationAttempt records a failed delivery attempt.
func (db *DB) UpdateMutationAttempt(ctx context.Context, id string, retryCount int, lastError string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE mutations SET retry_count = ?, last_error = ? WHERE id = ?
	`, retryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	return nil
}

// RetargetMutations rewrites queued mutations that still point at a
// temporary id so they point at the server id instead.
func (db *DB) RetargetMutations(ctx context.Context, kind schema.Kind, userID string, temp uint64, serverID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE mutations SET server_id = ?, temp_id = NULL
		WHERE kind = ? AND user_id = ? AND temp_id = ?
	`, serverID, string(kind), userID, int64(temp))
	if err != nil {
		return 0, fmt.Errorf("failed to retarget mutations: %w", err)
	}
	return res.RowsAffected()
}

// UpdateMutationPayload replaces the body of a queued mutation.
func (db *DB) UpdateMutationPayload(ctx context.Context, id string, payload []byte) error {
	if _, err := db.conn.ExecContext(ctx, "UPDATE mutations SET payload = ? WHERE id = ?", string(payload), id); err != nil {
		return fmt.Errorf("failed to update payload of mutation %s: %w", id, err)
	}
	return nil
}

// DeleteMutation removes a mutation by id.
func (db *DB) DeleteMutation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	return nil
}

// ClearMutations removes every queued mutation for userID.
func (db *DB) ClearMutations(ctx context.Context, userID string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM mutations WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear mutations: %w", err)
	}
	return nil
}
