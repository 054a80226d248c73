package keypackage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed KeyPackage pool repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Publish inserts a new KeyPackage into owner's pool. Returns ErrOwnerNotFound if owner is not a registered user
// (the insert fails its foreign key check).
func (r *PGRepository) Publish(ctx context.Context, owner string, blob []byte) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		"INSERT INTO key_packages (user_email, blob) VALUES ($1, $2) RETURNING kp_id", owner, blob,
	).Scan(&id)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return 0, ErrOwnerNotFound
		}
		return 0, fmt.Errorf("insert key package: %w", err)
	}
	return id, nil
}

// Consume atomically deletes and returns the oldest KeyPackage in owner's pool in a single statement: the inner
// SELECT picks the lowest kp_id with FOR UPDATE SKIP LOCKED so two concurrent consumers can never select the same
// row, and the outer DELETE ... RETURNING removes it in the same round trip.
func (r *PGRepository) Consume(ctx context.Context, owner string) (*KeyPackage, error) {
	row := r.db.QueryRow(ctx,
		`DELETE FROM key_packages
		 WHERE kp_id = (
		   SELECT kp_id FROM key_packages
		   WHERE user_email = $1
		   ORDER BY kp_id
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING kp_id, user_email, blob, created_at`, owner)

	var kp KeyPackage
	err := row.Scan(&kp.ID, &kp.Owner, &kp.Blob, &kp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("consume key package: %w", err)
	}
	return &kp, nil
}

// Count returns the number of KeyPackages currently available for owner.
func (r *PGRepository) Count(ctx context.Context, owner string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM key_packages WHERE user_email = $1", owner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count key packages: %w", err)
	}
	return count, nil
}
