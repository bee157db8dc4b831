package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts the user together with their default library and the
// owner's admin membership in it. A user without a default library must never
// be observable, so all three rows commit together.
func (s *PostgresStore) CreateUser(ctx context.Context, user User, defaultLibraryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO libraries (id, owner_user_id, name, is_default)
		VALUES ($1, $2, 'Default', TRUE)
	`, defaultLibraryID, user.ID); err != nil {
		return fmt.Errorf("insert default library: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (library_id, user_id, role)
		VALUES ($1, $2, 'admin')
	`, defaultLibraryID, user.ID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// CreateLibrary inserts a non-default library and the owner's admin membership.
func (s *PostgresStore) CreateLibrary(ctx context.Context, library Library) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create library tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO libraries (id, owner_user_id, name, is_default)
		VALUES ($1, $2, $3, FALSE)
	`, library.ID, library.OwnerUserID, library.Name); err != nil {
		return fmt.Errorf("insert library: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (library_id, user_id, role)
		VALUES ($1, $2, 'admin')
		ON CONFLICT (library_id, user_id) DO NOTHING
	`, library.ID, library.OwnerUserID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create library tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLibrary(ctx context.Context, libraryID string) (Library, error) {
	var library Library
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, is_default, created_at
		FROM libraries
		WHERE id = $1
	`, libraryID).Scan(&library.ID, &library.OwnerUserID, &library.Name, &library.IsDefault, &library.CreatedAt)
	if err != nil {
		return Library{}, err
	}
	return library, nil
}

// DefaultLibraryID resolves the default library owned by userID.
func (s *PostgresStore) DefaultLibraryID(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM libraries WHERE owner_user_id = $1 AND is_default
	`, userID).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListLibrariesForUser returns every library the user is a member of,
// including their own default library.
func (s *PostgresStore) ListLibrariesForUser(ctx context.Context, userID string) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.owner_user_id, l.name, l.is_default, l.created_at
		FROM libraries l
		JOIN memberships m ON m.library_id = l.id
		WHERE m.user_id = $1
		ORDER BY l.is_default DESC, l.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	items := make([]Library, 0)
	for rows.Next() {
		var item Library
		if err := rows.Scan(&item.ID, &item.OwnerUserID, &item.Name, &item.IsDefault, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate libraries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, libraryID, userID string) (Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT library_id, user_id, role, created_at
		FROM memberships
		WHERE library_id = $1 AND user_id = $2
	`, libraryID, userID).Scan(&m.LibraryID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, libraryID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.display_name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.library_id = $1
		ORDER BY m.created_at ASC
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.Email, &item.Role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListLibraryItems(ctx context.Context, libraryID string) ([]LibraryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT library_id, item_id, added_at
		FROM library_items
		WHERE library_id = $1
		ORDER BY added_at DESC
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list library items: %w", err)
	}
	defer rows.Close()

	items := make([]LibraryItem, 0)
	for rows.Next() {
		var item LibraryItem
		if err := rows.Scan(&item.LibraryID, &item.ItemID, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan library item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library items: %w", err)
	}
	return items, nil
}

// lockLibrary takes the row lock that serializes concurrent admin actions on a
// library and reports whether the library is a default one.
func lockLibrary(ctx context.Context, tx *sql.Tx, libraryID string) (isDefault bool, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT is_default FROM libraries WHERE id = $1 FOR UPDATE
	`, libraryID).Scan(&isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock library: %w", err)
	}
	return isDefault, nil
}

func adminCount(ctx context.Context, tx *sql.Tx, libraryID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships WHERE library_id = $1 AND role = 'admin'
	`, libraryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func libraryOwner(ctx context.Context, tx *sql.Tx, libraryID string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT owner_user_id FROM libraries WHERE id = $1`, libraryID).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("read library owner: %w", err)
	}
	return owner, nil
}

// ChangeMemberRole updates a member's role, rejecting owner demotion and the
// demotion of the last remaining admin.
func (s *PostgresStore) ChangeMemberRole(ctx context.Context, libraryID, userID, role string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin role change tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM memberships WHERE library_id = $1 AND user_id = $2 FOR UPDATE
	`, libraryID, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("read membership: %w", err)
	}

	if current == "admin" && role != "admin" {
		owner, err := libraryOwner(ctx, tx, libraryID)
		if err != nil {
			return err
		}
		if owner == userID {
			return ErrOwnerMembership
		}
		admins, err := adminCount(ctx, tx, libraryID)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memberships SET role = $3 WHERE library_id = $1 AND user_id = $2
	`, libraryID, userID, role); err != nil {
		return fmt.Errorf("update member role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit role change tx: %w", err)
	}
	return nil
}

// TransferOwnership reassigns the owner pointer to an existing member and
// promotes them to admin. The prior owner's membership is left untouched.
func (s *PostgresStore) TransferOwnership(ctx context.Context, libraryID, newOwnerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	isDefault, err := lockLibrary(ctx, tx, libraryID)
	if err != nil {
		return err
	}
	if isDefault {
		return ErrDefaultLibrary
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE library_id = $1 AND user_id = $2)
	`, libraryID, newOwnerID).Scan(&exists); err != nil {
		return fmt.Errorf("check target membership: %w", err)
	}
	if !exists {
		return ErrNotMember
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE libraries SET owner_user_id = $2 WHERE id = $1
	`, libraryID, newOwnerID); err != nil {
		return fmt.Errorf("update owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memberships SET role = 'admin' WHERE library_id = $1 AND user_id = $2
	`, libraryID, newOwnerID); err != nil {
		return fmt.Errorf("promote new owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer tx: %w", err)
	}
	return nil
}
