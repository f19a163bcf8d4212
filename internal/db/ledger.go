package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/renderforge/internal/models"
)

// CreateReservation inserts the local audit row for a credit reservation.
// The idempotency key is the primary key: a duplicate insert attempt means
// the caller is retrying a request already reserved, and the unique
// violation is the caller's signal to fall back to GetReservation.
func (db *DB) CreateReservation(ctx context.Context, r *models.CreditReservation) error {
	query := `
		INSERT INTO credit_reservations (
			idempotency_key, user_id, operation, job_id, credits_reserved, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		r.IdempotencyKey, r.UserID, r.Operation, r.JobID, r.CreditsReserved, r.Status,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

// GetReservation fetches a reservation by its idempotency key.
func (db *DB) GetReservation(ctx context.Context, idempotencyKey string) (*models.CreditReservation, error) {
	query := `
		SELECT
			idempotency_key, user_id, operation, job_id, credits_reserved,
			status, refunded_at, created_at, updated_at
		FROM credit_reservations
		WHERE idempotency_key = $1
	`

	r := &models.CreditReservation{}
	err := db.QueryRowContext(ctx, query, idempotencyKey).Scan(
		&r.IdempotencyKey, &r.UserID, &r.Operation, &r.JobID, &r.CreditsReserved,
		&r.Status, &r.RefundedAt, &r.CreatedAt, &r.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return r, nil
}

// SettleReservation moves a reservation to a terminal status (completed or
// failed). Settling is a no-op past the first terminal write: the ledger
// client checks the row's status before calling, but the WHERE clause is a
// belt-and-braces guard against a racing duplicate settle.
func (db *DB) SettleReservation(ctx context.Context, idempotencyKey string, status models.ReservationStatus) error {
	query := `
		UPDATE credit_reservations
		SET status = $1, updated_at = $2
		WHERE idempotency_key = $3 AND status = $4
	`
	_, err := db.ExecContext(ctx, query, status, time.Now(), idempotencyKey, models.ReservationReserved)
	return err
}

// RefundReservation marks a completed reservation refunded, stamping
// refunded_at so a re-refund attempt is detectable by the caller.
func (db *DB) RefundReservation(ctx context.Context, idempotencyKey string) error {
	now := time.Now()
	query := `
		UPDATE credit_reservations
		SET status = $1, refunded_at = $2, updated_at = $2
		WHERE idempotency_key = $3
	`
	_, err := db.ExecContext(ctx, query, models.ReservationFailed, now, idempotencyKey)
	return err
}
