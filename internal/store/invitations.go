package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateInvitation inserts a pending invitation. The library row is locked to
// serialize against concurrent invites and membership changes; default
// libraries, existing members, and duplicate pending invites are rejected.
func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, inv.LibraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	var alreadyMember bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE library_id = $1 AND user_id = $2)
	`, inv.LibraryID, inv.InviteeID).Scan(&alreadyMember); err != nil {
		return fmt.Errorf("check existing membership: %w", err)
	}
	if alreadyMember {
		return ErrAlreadyMember
	}

	var pendingExists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invitations
			WHERE library_id = $1 AND invitee_id = $2 AND status = 'pending'
		)
	`, inv.LibraryID, inv.InviteeID).Scan(&pendingExists); err != nil {
		return fmt.Errorf("check pending invitation: %w", err)
	}
	if pendingExists {
		return ErrDuplicateInvite
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invitations (id, library_id, inviter_id, invitee_id, role, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`, inv.ID, inv.LibraryID, inv.InviterID, inv.InviteeID, inv.Role); err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invite tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, library_id, inviter_id, invitee_id, role, status, created_at, responded_at
		FROM invitations
		WHERE id = $1
	`, invitationID).Scan(&inv.ID, &inv.LibraryID, &inv.InviterID, &inv.InviteeID, &inv.Role, &inv.Status, &inv.CreatedAt, &inv.RespondedAt)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) ListInvitationsForInvitee(ctx context.Context, inviteeID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, library_id, inviter_id, invitee_id, role, status, created_at, responded_at
		FROM invitations
		WHERE invitee_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
	`, inviteeID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ID, &inv.LibraryID, &inv.InviterID, &inv.InviteeID, &inv.Role, &inv.Status, &inv.CreatedAt, &inv.RespondedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

// AcceptInvitation runs the whole accept as one transaction: lock the
// invitation, insert the membership, flip the status, and durably upsert the
// backfill job row. The returned job tuple is what the caller enqueues after
// commit; an enqueue failure never unwinds any of this, the job row itself is
// the durable intent.
//
// Accepting an already-accepted invitation reports idempotent=true with no
// further effect.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID, inviteeID string) (job BackfillJob, idempotent bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BackfillJob{}, false, fmt.Errorf("begin accept tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return BackfillJob{}, false, err
	}
	if inv.InviteeID != inviteeID {
		// Masked for non-parties.
		return BackfillJob{}, false, ErrNotFound
	}

	switch inv.Status {
	case InviteStatusAccepted:
		return BackfillJob{}, true, nil
	case InviteStatusDeclined, InviteStatusRevoked:
		return BackfillJob{}, false, ErrInviteNotPending
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (library_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (library_id, user_id) DO NOTHING
	`, inv.LibraryID, inv.InviteeID, inv.Role); err != nil {
		return BackfillJob{}, false, fmt.Errorf("insert membership: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status = 'accepted', responded_at = NOW() WHERE id = $1
	`, invitationID); err != nil {
		return BackfillJob{}, false, fmt.Errorf("mark invitation accepted: %w", err)
	}

	defaultLibraryID, err := defaultLibraryIDTx(ctx, tx, inv.InviteeID)
	if err != nil {
		return BackfillJob{}, false, err
	}

	// A completed or failed row from an earlier membership is reset to
	// pending; a running job is left alone.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backfill_jobs (library_id, source_library_id, user_id, status, attempts)
		VALUES ($1, $2, $3, 'pending', 0)
		ON CONFLICT (library_id, source_library_id, user_id) DO UPDATE
			SET status = 'pending', attempts = 0, last_error = '', finished_at = NULL, updated_at = NOW()
			WHERE backfill_jobs.status <> 'running'
	`, defaultLibraryID, inv.LibraryID, inv.InviteeID); err != nil {
		return BackfillJob{}, false, fmt.Errorf("upsert backfill job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BackfillJob{}, false, fmt.Errorf("commit accept tx: %w", err)
	}

	return BackfillJob{
		LibraryID:       defaultLibraryID,
		SourceLibraryID: inv.LibraryID,
		UserID:          inv.InviteeID,
		Status:          JobStatusPending,
	}, false, nil
}

// DeclineInvitation flips a pending invitation to declined; declining an
// already-declined invitation is an idempotent no-op.
func (s *PostgresStore) DeclineInvitation(ctx context.Context, invitationID, inviteeID string) (idempotent bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin decline tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return false, err
	}
	if inv.InviteeID != inviteeID {
		return false, ErrNotFound
	}

	switch inv.Status {
	case InviteStatusDeclined:
		return true, nil
	case InviteStatusAccepted, InviteStatusRevoked:
		return false, ErrInviteNotPending
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status = 'declined', responded_at = NOW() WHERE id = $1
	`, invitationID); err != nil {
		return false, fmt.Errorf("mark invitation declined: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit decline tx: %w", err)
	}
	return false, nil
}

// RevokeInvitation flips a pending invitation to revoked; revoking an
// already-revoked invitation is an idempotent no-op.
func (s *PostgresStore) RevokeInvitation(ctx context.Context, invitationID string) (idempotent bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return false, err
	}

	switch inv.Status {
	case InviteStatusRevoked:
		return true, nil
	case InviteStatusAccepted, InviteStatusDeclined:
		return false, ErrInviteNotPending
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE invitations SET status = 'revoked', responded_at = NOW() WHERE id = $1
	`, invitationID); err != nil {
		return false, fmt.Errorf("mark invitation revoked: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revoke tx: %w", err)
	}
	return false, nil
}

func lockInvitation(ctx context.Context, tx *sql.Tx, invitationID string) (Invitation, error) {
	var inv Invitation
	err := tx.QueryRowContext(ctx, `
		SELECT id, library_id, inviter_id, invitee_id, role, status, created_at, responded_at
		FROM invitations
		WHERE id = $1
		FOR UPDATE
	`, invitationID).Scan(&inv.ID, &inv.LibraryID, &inv.InviterID, &inv.InviteeID, &inv.Role, &inv.Status, &inv.CreatedAt, &inv.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, ErrNotFound
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("lock invitation: %w", err)
	}
	return inv, nil
}
