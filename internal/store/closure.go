package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CanRead is the visibility predicate: true iff the viewer reaches the item
// through a current membership in a non-default library that contains it,
// through an intrinsic in their own default library, or through a closure
// edge whose source membership still holds. The third clause re-joins against
// memberships on every call; a revoked membership denies on the next check
// even while the stale edge row is still awaiting collection.
func (s *PostgresStore) CanRead(ctx context.Context, viewerID, itemID string) (bool, error) {
	const query = `
		SELECT
			EXISTS(
				SELECT 1
				FROM library_items li
				JOIN libraries l ON l.id = li.library_id AND NOT l.is_default
				JOIN memberships m ON m.library_id = li.library_id AND m.user_id = $1
				WHERE li.item_id = $2
			)
			OR EXISTS(
				SELECT 1
				FROM intrinsics i
				JOIN libraries l ON l.id = i.library_id AND l.is_default
				WHERE i.item_id = $2 AND l.owner_user_id = $1
			)
			OR EXISTS(
				SELECT 1
				FROM closure_edges e
				JOIN libraries dl ON dl.id = e.library_id AND dl.is_default AND dl.owner_user_id = $1
				JOIN memberships m ON m.library_id = e.source_library_id AND m.user_id = $1
				WHERE e.item_id = $2
			)
	`
	var canRead bool
	if err := s.db.QueryRowContext(ctx, query, viewerID, itemID).Scan(&canRead); err != nil {
		return false, fmt.Errorf("visibility check: %w", err)
	}
	return canRead, nil
}

// materializeItem is the single code path that creates a closure edge and the
// derived default-library row. Both the closure writer and the backfill worker
// go through it; insert-or-ignore makes concurrent duplicate triggers safe.
func materializeItem(ctx context.Context, tx *sql.Tx, defaultLibraryID, itemID, sourceLibraryID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO closure_edges (library_id, item_id, source_library_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (library_id, item_id, source_library_id) DO NOTHING
	`, defaultLibraryID, itemID, sourceLibraryID); err != nil {
		return fmt.Errorf("upsert closure edge: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO library_items (library_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT (library_id, item_id) DO NOTHING
	`, defaultLibraryID, itemID); err != nil {
		return fmt.Errorf("upsert derived item: %w", err)
	}
	return nil
}

// collectDerivedRow deletes the derived default-library row iff no intrinsic
// and no closure edge justifies it anymore. Invoked inline after every
// mutation that can remove a justification, so a derived row never outlives
// its last justification past the enclosing transaction.
func collectDerivedRow(ctx context.Context, tx *sql.Tx, defaultLibraryID, itemID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM library_items li
		WHERE li.library_id = $1 AND li.item_id = $2
			AND NOT EXISTS(
				SELECT 1 FROM intrinsics i
				WHERE i.library_id = li.library_id AND i.item_id = li.item_id
			)
			AND NOT EXISTS(
				SELECT 1 FROM closure_edges e
				WHERE e.library_id = li.library_id AND e.item_id = li.item_id
			)
	`, defaultLibraryID, itemID)
	if err != nil {
		return fmt.Errorf("collect derived row: %w", err)
	}
	return nil
}

// memberDefaultLibraries resolves the default library of every current member
// of a shared library.
func memberDefaultLibraries(ctx context.Context, tx *sql.Tx, libraryID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT dl.id
		FROM memberships m
		JOIN libraries dl ON dl.owner_user_id = m.user_id AND dl.is_default
		WHERE m.library_id = $1
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list member default libraries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan default library id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate default library ids: %w", err)
	}
	return ids, nil
}

// AddItemToLibrary records the raw containment fact and, in the same
// transaction, materializes the item into every current member's default
// library. Partial propagation across members is impossible.
func (s *PostgresStore) AddItemToLibrary(ctx context.Context, libraryID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add item tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO library_items (library_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT (library_id, item_id) DO NOTHING
	`, libraryID, itemID); err != nil {
		return fmt.Errorf("insert containment: %w", err)
	}

	defaults, err := memberDefaultLibraries(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	for _, defaultLibraryID := range defaults {
		if err := materializeItem(ctx, tx, defaultLibraryID, itemID, libraryID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add item tx: %w", err)
	}
	return nil
}

// RemoveItemFromLibrary deletes the containment fact, removes the closure
// edges it justified, and collects derived rows whose last justification is
// gone.
func (s *PostgresStore) RemoveItemFromLibrary(ctx context.Context, libraryID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove item tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM library_items WHERE library_id = $1 AND item_id = $2
	`, libraryID, itemID); err != nil {
		return fmt.Errorf("delete containment: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM closure_edges
		WHERE source_library_id = $1 AND item_id = $2
		RETURNING library_id
	`, libraryID, itemID)
	if err != nil {
		return fmt.Errorf("delete closure edges: %w", err)
	}
	var affected []string
	for rows.Next() {
		var defaultLibraryID string
		if err := rows.Scan(&defaultLibraryID); err != nil {
			rows.Close()
			return fmt.Errorf("scan affected library: %w", err)
		}
		affected = append(affected, defaultLibraryID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate affected libraries: %w", err)
	}
	rows.Close()

	for _, defaultLibraryID := range affected {
		if err := collectDerivedRow(ctx, tx, defaultLibraryID, itemID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove item tx: %w", err)
	}
	return nil
}

// AddIntrinsic marks an item as directly placed into the user's default
// library and materializes the derived row.
func (s *PostgresStore) AddIntrinsic(ctx context.Context, userID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add intrinsic tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	defaultLibraryID, err := defaultLibraryIDTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO intrinsics (library_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT (library_id, item_id) DO NOTHING
	`, defaultLibraryID, itemID); err != nil {
		return fmt.Errorf("insert intrinsic: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO library_items (library_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT (library_id, item_id) DO NOTHING
	`, defaultLibraryID, itemID); err != nil {
		return fmt.Errorf("upsert derived item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add intrinsic tx: %w", err)
	}
	return nil
}

// RemoveIntrinsic deletes the intrinsic and collects the derived row when no
// closure edge keeps it justified.
func (s *PostgresStore) RemoveIntrinsic(ctx context.Context, userID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove intrinsic tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	defaultLibraryID, err := defaultLibraryIDTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM intrinsics WHERE library_id = $1 AND item_id = $2
	`, defaultLibraryID, itemID); err != nil {
		return fmt.Errorf("delete intrinsic: %w", err)
	}

	if err := collectDerivedRow(ctx, tx, defaultLibraryID, itemID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove intrinsic tx: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership and degenerates every closure edge that
// membership justified, collecting derived rows as justifications disappear.
// The owner's membership and the last admin cannot be removed.
func (s *PostgresStore) RemoveMember(ctx context.Context, libraryID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove member tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	var role string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM memberships WHERE library_id = $1 AND user_id = $2 FOR UPDATE
	`, libraryID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("read membership: %w", err)
	}

	owner, err := libraryOwner(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if owner == userID {
		return ErrOwnerMembership
	}
	if role == "admin" {
		admins, err := adminCount(ctx, tx, libraryID)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memberships WHERE library_id = $1 AND user_id = $2
	`, libraryID, userID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}

	defaultLibraryID, err := defaultLibraryIDTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM closure_edges
		WHERE library_id = $1 AND source_library_id = $2
		RETURNING item_id
	`, defaultLibraryID, libraryID)
	if err != nil {
		return fmt.Errorf("delete closure edges: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return fmt.Errorf("scan orphaned item: %w", err)
		}
		orphaned = append(orphaned, itemID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate orphaned items: %w", err)
	}
	rows.Close()

	for _, itemID := range orphaned {
		if err := collectDerivedRow(ctx, tx, defaultLibraryID, itemID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove member tx: %w", err)
	}
	return nil
}

func defaultLibraryIDTx(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM libraries WHERE owner_user_id = $1 AND is_default
	`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve default library: %w", err)
	}
	return id, nil
}
