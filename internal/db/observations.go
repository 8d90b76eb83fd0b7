package db

import (
	"context"
	"fmt"
	"time"
)

// Observation is the last stock level the notification engine saw for a
// product, together with the bucket it was classified into.
type Observation struct {
	UserID     string
	ProductID  string
	LastStock  int
	MinStock   int
	Bucket     string
	ObservedAt time.Time
}

// Observations returns the stored observations for userID keyed by product id.
func (db *DB) Observations(ctx context.Context, userID string) (map[string]Observation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT product_id, last_stock, min_stock, bucket, observed_at
		FROM stock_observations
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Observation)
	for rows.Next() {
		o := Observation{UserID: userID}
		var observedAt string
		if err := rows.Scan(&o.ProductID, &o.LastStock, &o.MinStock, &o.Bucket, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.ObservedAt = parseTime(observedAt)
		out[o.ProductID] = o
	}

	return out, rows.Err()
}

// PutObservation upserts the observation for (UserID, ProductID).
func (db *DB) PutObservation(ctx context.Context, o Observation) error {
	observedAt := o.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO stock_observations (user_id, product_id, last_stock, min_stock, bucket, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, product_id) DO UPDATE SET
			last_stock = excluded.last_stock,
			min_stock = excluded.min_stock,
			bucket = excluded.bucket,
			observed_at = excluded.observed_at
	`, o.UserID, o.ProductID, o.LastStock, o.MinStock, o.Bucket, formatTime(observedAt))
	if err != nil {
		return fmt.Errorf("failed to store observation for %s: %w", o.ProductID, err)
	}
	return nil
}

// DeleteObservation forgets one product.
func (db *DB) DeleteObservation(ctx context.Context, userID, productID string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM stock_observations WHERE user_id = ? AND product_id = ?
	`, userID, productID)
	if err != nil {
		return fmt.Errorf("failed to delete observation for %s: %w", productID, err)
	}
	return nil
}

// ClearObservations forgets every product for userID.
func (db *DB) ClearObservations(ctx context.Context, userID string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM stock_observations WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear observations: %w", err)
	}
	return nil
}
