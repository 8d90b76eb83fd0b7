package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tendero/shopsync/internal/schema"
)

// Record is one stored entity. Payload is the local body produced by
// schema.EncodeLocal; identity lives in its own columns.
type Record struct {
	Handle    int64
	ID        schema.ID
	UserID    string
	Payload   []byte
	UpdatedAt time.Time
	// Rejected marks a record the server refused to create. It stays local
	// until the user edits or removes it.
	Rejected bool
}

// idColumns splits an ID into the server_id / temp_id column values.
func idColumns(id schema.ID) (sql.NullString, sql.NullInt64, error) {
	if s, ok := id.Server(); ok {
		return sql.NullString{String: s, Valid: true}, sql.NullInt64{}, nil
	}
	if n, ok := id.Temporary(); ok {
		return sql.NullString{}, sql.NullInt64{Int64: int64(n), Valid: true}, nil
	}
	return sql.NullString{}, sql.NullInt64{}, fmt.Errorf("record has no identifier")
}

func idFromColumns(server sql.NullString, temp sql.NullInt64) schema.ID {
	if server.Valid {
		return schema.ServerID(server.String)
	}
	if temp.Valid {
		return schema.TemporaryID(uint64(temp.Int64))
	}
	return schema.ID{}
}

// GetAll returns every record of a kind owned by userID, oldest first.
func (db *DB) GetAll(ctx context.Context, kind schema.Kind, userID string) ([]Record, error) {
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT handle, user_id, server_id, temp_id, payload, updated_at, rejected
		FROM %s
		WHERE user_id = ?
		ORDER BY handle
	`, kind.Table()), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind.Table(), err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			server    sql.NullString
			temp      sql.NullInt64
			payload   string
			updatedAt string
		)
		if err := rows.Scan(&rec.Handle, &rec.UserID, &server, &temp, &payload, &updatedAt, &rec.Rejected); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind.Table(), err)
		}
		rec.ID = idFromColumns(server, temp)
		rec.Payload = []byte(payload)
		rec.UpdatedAt = parseTime(updatedAt)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Put upserts a record keyed on (user, identifier) and returns its handle.
func (db *DB) Put(ctx context.Context, kind schema.Kind, rec Record) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	handle, err := putTx(ctx, tx, kind, rec)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s upsert: %w", kind.Table(), err)
	}
	return handle, nil
}

// Replace removes the record stored under old and upserts rec in one
// transaction. Used when a temporary record is confirmed by the server.
func (db *DB) Replace(ctx context.Context, kind schema.Kind, old schema.ID, rec Record) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if handle, ok, err := resolveTx(ctx, tx, kind, rec.UserID, old); err != nil {
		return 0, err
	} else if ok {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE handle = ?", kind.Table()), handle); err != nil {
			return 0, fmt.Errorf("failed to delete replaced %s row: %w", kind.Table(), err)
		}
	}

	handle, err := putTx(ctx, tx, kind, rec)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s replace: %w", kind.Table(), err)
	}
	return handle, nil
}

func putTx(ctx context.Context, tx *sql.Tx, kind schema.Kind, rec Record) (int64, error) {
	server, temp, err := idColumns(rec.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", kind, err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	handle, ok, err := resolveTx(ctx, tx, kind, rec.UserID, rec.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET payload = ?, updated_at = ?, rejected = ? WHERE handle = ?
		`, kind.Table()), string(rec.Payload), formatTime(updatedAt), rec.Rejected, handle)
		if err != nil {
			return 0, fmt.Errorf("failed to update %s row: %w", kind.Table(), err)
		}
		return handle, nil
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, server_id, temp_id, payload, updated_at, rejected)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind.Table()), rec.UserID, server, temp, string(rec.Payload), formatTime(updatedAt), rec.Rejected)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s row: %w", kind.Table(), err)
	}
	return res.LastInsertId()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func resolveTx(ctx context.Context, q queryer, kind schema.Kind, userID string, id schema.ID) (int64, bool, error) {
	server, temp, err := idColumns(id)
	if err != nil {
		return 0, false, nil
	}

	var (
		query string
		arg   any
	)
	if server.Valid {
		query = fmt.Sprintf("SELECT handle FROM %s WHERE user_id = ? AND server_id = ?", kind.Table())
		arg = server.String
	} else {
		query = fmt.Sprintf("SELECT handle FROM %s WHERE user_id = ? AND temp_id = ?", kind.Table())
		arg = temp.Int64
	}

	var handle int64
	err = q.QueryRowContext(ctx, query, userID, arg).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve %s %s: %w", kind, id, err)
	}
	return handle, true, nil
}

// Resolve maps an identifier to the internal storage handle.
func (db *DB) Resolve(ctx context.Context, kind schema.Kind, userID string, id schema.ID) (int64, bool, error) {
	return resolveTx(ctx, db.conn, kind, userID, id)
}

// DeleteByHandle removes one record.
func (db *DB) DeleteByHandle(ctx context.Context, kind schema.Kind, handle int64) error {
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE handle = ?", kind.Table()), handle); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", kind.Table(), err)
	}
	return nil
}

// Delete removes the record stored under id, if any.
func (db *DB) Delete(ctx context.Context, kind schema.Kind, userID string, id schema.ID) error {
	handle, ok, err := db.Resolve(ctx, kind, userID, id)
	if err != nil || !ok {
		return err
	}
	return db.DeleteByHandle(ctx, kind, handle)
}

// Clear removes every record of a kind, for all users.
func (db *DB) Clear(ctx context.Context, kind schema.Kind) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM "+kind.Table()); err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind.Table(), err)
	}
	return nil
}

// ClearUser removes every entity record owned by userID.
func (db *DB) ClearUser(ctx context.Context, userID string) error {
	for _, kind := range schema.AllKinds {
		if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", kind.Table()), userID); err != nil {
			return fmt.Errorf("failed to clear %s for user: %w", kind.Table(), err)
		}
	}
	return nil
}

// PurgeUntagged removes records that carry no owner. Such rows can only be
// left over from an older schema; nothing reads them.
func (db *DB) PurgeUntagged(ctx context.Context) (int64, error) {
	var total int64
	for _, kind := range schema.AllKinds {
		res, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ''", kind.Table()))
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", kind.Table(), err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Count returns the number of stored records of a kind for all users.
func (db *DB) Count(ctx context.Context, kind schema.Kind) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+kind.Table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind.Table(), err)
	}
	return n, nil
}
