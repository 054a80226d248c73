package queue

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

// NewPGRepository creates a new PostgreSQL-backed message queue repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// PublishProposal implements the transaction described in §4.5: count the sender's own pending messages in this
// folder (I5), read the current membership, and insert one pending row per member other than the sender.
func (r *PGRepository) PublishProposal(ctx context.Context, sender string, folderID int64, payload []byte) ([]RecipientMessage, error) {
	var out []RecipientMessage
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		pending, err := countPending(ctx, tx, folderID, sender)
		if err != nil {
			return err
		}
		if pending > 0 {
			return &ErrConflictPending{Count: pending}
		}

		members, err := membersOf(ctx, tx, folderID)
		if err != nil {
			return err
		}

		out, err = insertProposals(ctx, tx, folderID, sender, sender, members, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PublishApplicationPayload attaches payload to every pending row in msgIDs that sender created in folderID.
func (r *PGRepository) PublishApplicationPayload(ctx context.Context, sender string, folderID int64, msgIDs []int64, payload []byte) ([]string, error) {
	var recipients []string
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT msg_id, recipient_email FROM pending_messages
			 WHERE folder_id = $1 AND creator_email = $2 AND msg_id = ANY($3)`,
			folderID, sender, msgIDs)
		if err != nil {
			return fmt.Errorf("query pending messages for patch: %w", err)
		}

		matched := make(map[int64]string, len(msgIDs))
		for rows.Next() {
			var msgID int64
			var recipient string
			if err := rows.Scan(&msgID, &recipient); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending message: %w", err)
			}
			matched[msgID] = recipient
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending messages: %w", err)
		}
		if len(matched) != len(msgIDs) {
			return ErrNotFound
		}

		for _, msgID := range msgIDs {
			_, err := tx.Exec(ctx,
				"INSERT INTO application_messages (msg_id, payload) VALUES ($1, $2)", msgID, payload)
			if err != nil {
				return fmt.Errorf("insert application message: %w", err)
			}
			recipients = append(recipients, matched[msgID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

// ShareFolderWithProposal combines a membership add with a proposal publish, per §4.5: the proposal is inserted
// against the folder's pre-existing members before invitee's membership row is inserted, so invitee's queue never
// receives the add-self proposal.
func (r *PGRepository) ShareFolderWithProposal(ctx context.Context, owner string, folderID int64, invitee string, proposal []byte) ([]RecipientMessage, error) {
	var out []RecipientMessage
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var ownerIsMember bool
		err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM folder_members WHERE folder_id = $1 AND user_email = $2)",
			folderID, owner).Scan(&ownerIsMember)
		if err != nil {
			return fmt.Errorf("check owner membership: %w", err)
		}
		if !ownerIsMember {
			return ErrNotFound
		}

		pending, err := countPending(ctx, tx, folderID, owner)
		if err != nil {
			return err
		}
		if pending > 0 {
			return &ErrConflictPending{Count: pending}
		}

		members, err := membersOf(ctx, tx, folderID)
		if err != nil {
			return err
		}

		out, err = insertProposals(ctx, tx, folderID, owner, owner, members, proposal)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO folder_members (folder_id, user_email) VALUES ($1, $2) ON CONFLICT (folder_id, user_email) DO NOTHING",
			folderID, invitee)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert invitee membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetFirst returns the lowest-msg_id pending message for (folderID, recipient), pairing it with its application
// payload if one has been published.
func (r *PGRepository) GetFirst(ctx context.Context, folderID int64, recipient string) (*GroupMessage, error) {
	var msg GroupMessage
	msg.FolderID = folderID
	err := r.db.QueryRow(ctx,
		`SELECT msg_id, creator_email, payload FROM pending_messages
		 WHERE folder_id = $1 AND recipient_email = $2
		 ORDER BY msg_id ASC LIMIT 1`, folderID, recipient,
	).Scan(&msg.MsgID, &msg.Creator, &msg.ProposalPayload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query first pending message: %w", err)
	}

	var appPayload []byte
	err = r.db.QueryRow(ctx, "SELECT payload FROM application_messages WHERE msg_id = $1", msg.MsgID).Scan(&appPayload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRetryAfter
		}
		return nil, fmt.Errorf("query application message: %w", err)
	}

	msg.ApplicationPayload = appPayload
	return &msg, nil
}

// Ack removes the pending message msgID for (folderID, recipient), per §4.5's state machine: if the queue's current
// front is already past msgID, the ack is stale and (false, nil) is returned rather than an error.
func (r *PGRepository) Ack(ctx context.Context, folderID int64, recipient string, msgID int64) (bool, error) {
	var deleted bool
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var firstMsgID int64
		err := tx.QueryRow(ctx,
			`SELECT msg_id FROM pending_messages
			 WHERE folder_id = $1 AND recipient_email = $2
			 ORDER BY msg_id ASC LIMIT 1`, folderID, recipient,
		).Scan(&firstMsgID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("query first pending message for ack: %w", err)
		}

		if firstMsgID > msgID {
			deleted = false
			return nil
		}

		tag, err := tx.Exec(ctx,
			"DELETE FROM pending_messages WHERE msg_id = $1 AND folder_id = $2 AND recipient_email = $3",
			msgID, folderID, recipient)
		if err != nil {
			return fmt.Errorf("delete pending message: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// countPending counts recipient's own pending messages in folderID, within tx.
func countPending(ctx context.Context, tx pgx.Tx, folderID int64, recipient string) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM pending_messages WHERE folder_id = $1 AND recipient_email = $2",
		folderID, recipient).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return count, nil
}

// membersOf returns folderID's current members, ordered by join time, within tx.
func membersOf(ctx context.Context, tx pgx.Tx, folderID int64) ([]string, error) {
	rows, err := tx.Query(ctx,
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

// insertProposals inserts one pending_messages row per member other than exclude, in iteration order, returning
// the assigned msg_ids.
func insertProposals(ctx context.Context, tx pgx.Tx, folderID int64, creator, exclude string, members []string, payload []byte) ([]RecipientMessage, error) {
	var out []RecipientMessage
	for _, member := range members {
		if member == exclude {
			continue
		}
		var msgID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO pending_messages (folder_id, recipient_email, creator_email, payload)
			 VALUES ($1, $2, $3, $4) RETURNING msg_id`,
			folderID, member, creator, payload,
		).Scan(&msgID)
		if err != nil {
			return nil, fmt.Errorf("insert pending message: %w", err)
		}
		out = append(out, RecipientMessage{Recipient: member, MsgID: msgID})
	}
	return out, nil
}
