package folder

import (
	"context"
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

// NewPGRepository creates a new PostgreSQL-backed folder repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// CreateFolder inserts a folder row and its owner's membership in a single transaction.
func (r *PGRepository) CreateFolder(ctx context.Context, owner string) (int64, error) {
	var folderID int64
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "INSERT INTO folders DEFAULT VALUES RETURNING folder_id").Scan(&folderID); err != nil {
			return fmt.Errorf("insert folder: %w", err)
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO folder_members (folder_id, user_email) VALUES ($1, $2)", folderID, owner)
		if err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return folderID, nil
}

// IsMember reports whether email currently belongs to folderID.
func (r *PGRepository) IsMember(ctx context.Context, folderID int64, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM folder_members WHERE folder_id = $1 AND user_email = $2)",
		folderID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check folder membership: %w", err)
	}
	return exists, nil
}

// MembersOf returns the emails of every current member of folderID, ordered by join time.
func (r *PGRepository) MembersOf(ctx context.Context, folderID int64) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_email FROM folder_members WHERE folder_id = $1 ORDER BY joined_at", folderID)
	if err != nil {
		return nil, fmt.Errorf("query folder members: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan folder member: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder members: %w", err)
	}
	return emails, nil
}

// FoldersOf returns the IDs of every folder email currently belongs to, ordered by join time.
func (r *PGRepository) FoldersOf(ctx context.Context, email string) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		"SELECT folder_id FROM folder_members WHERE user_email = $1 ORDER BY joined_at", email)
	if err != nil {
		return nil, fmt.Errorf("query folders of user: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan folder id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders of user: %w", err)
	}
	return ids, nil
}

// AddMembers adds emails to folderID on behalf of actor, inside a transaction that first confirms the folder exists
// and actor is a current member. Emails already present are skipped via ON CONFLICT DO NOTHING, which also makes
// re-adding actor itself (self-add) a no-op.
func (r *PGRepository) AddMembers(ctx context.Context, folderID int64, actor string, emails []string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var folderExists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM folders WHERE folder_id = $1)", folderID).Scan(&folderExists); err != nil {
			return fmt.Errorf("check folder exists: %w", err)
		}
		if !folderExists {
			return ErrNotFound
		}

		var actorIsMember bool
		err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM folder_members WHERE folder_id = $1 AND user_email = $2)",
			folderID, actor).Scan(&actorIsMember)
		if err != nil {
			return fmt.Errorf("check actor membership: %w", err)
		}
		if !actorIsMember {
			return ErrNotMember
		}

		if len(emails) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO folder_members (folder_id, user_email)
			 SELECT $1, e FROM unnest($2::text[]) AS e
			 ON CONFLICT (folder_id, user_email) DO NOTHING`,
			folderID, emails)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert folder members: %w", err)
		}
		return nil
	})
}

// RemoveSelf removes actor's own membership from folderID. If actor was the last member, the folder row is deleted
// in the same transaction; the ON DELETE CASCADE on pending_messages' folder reference means the queue (C7) is
// cleaned up automatically rather than requiring a separate cleanup call.
func (r *PGRepository) RemoveSelf(ctx context.Context, folderID int64, actor string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"DELETE FROM folder_members WHERE folder_id = $1 AND user_email = $2", folderID, actor)
		if err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotMember
		}

		var remaining int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM folder_members WHERE folder_id = $1", folderID).Scan(&remaining); err != nil {
			return fmt.Errorf("count remaining members: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.Exec(ctx, "DELETE FROM folders WHERE folder_id = $1", folderID); err != nil {
				return fmt.Errorf("delete emptied folder: %w", err)
			}
		}
		return nil
	})
}
