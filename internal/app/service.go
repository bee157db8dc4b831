package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookshelf/api/internal/auth"
	"bookshelf/api/internal/authpw"
	"bookshelf/api/internal/config"
	"bookshelf/api/internal/librole"
	"bookshelf/api/internal/queue"
	"bookshelf/api/internal/store"
	"bookshelf/api/internal/util"
)

// dataStore is the slice of the store the service touches. Tests swap in a
// fake; *store.PostgresStore satisfies it in production.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error

	CreateLibrary(ctx context.Context, library store.Library) error
	GetLibrary(ctx context.Context, libraryID string) (store.Library, error)
	ListLibrariesForUser(ctx context.Context, userID string) ([]store.Library, error)
	DefaultLibraryID(ctx context.Context, userID string) (string, error)
	GetMembership(ctx context.Context, libraryID, userID string) (store.Membership, error)
	ListMembers(ctx context.Context, libraryID string) ([]store.Member, error)
	ListLibraryItems(ctx context.Context, libraryID string) ([]store.LibraryItem, error)
	ChangeMemberRole(ctx context.Context, libraryID, userID, role string) error
	TransferOwnership(ctx context.Context, libraryID, newOwnerID string) error
	RemoveMember(ctx context.Context, libraryID, userID string) error

	CanRead(ctx context.Context, viewerID, itemID string) (bool, error)
	AddItemToLibrary(ctx context.Context, libraryID, itemID string) error
	RemoveItemFromLibrary(ctx context.Context, libraryID, itemID string) error
	AddIntrinsic(ctx context.Context, userID, itemID string) error
	RemoveIntrinsic(ctx context.Context, userID, itemID string) error

	CreateInvitation(ctx context.Context, inv store.Invitation) error
	GetInvitation(ctx context.Context, invitationID string) (store.Invitation, error)
	ListInvitationsForInvitee(ctx context.Context, inviteeID string) ([]store.Invitation, error)
	AcceptInvitation(ctx context.Context, invitationID, inviteeID string) (job store.BackfillJob, idempotent bool, err error)
	DeclineInvitation(ctx context.Context, invitationID, inviteeID string) (idempotent bool, err error)
	RevokeInvitation(ctx context.Context, invitationID string) (idempotent bool, err error)

	GetBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (store.BackfillJob, error)
	RequeueBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (requeued bool, err error)
}

// backfillQueue is the wakeup side of the backfill pipeline. The job row in
// Postgres is the durable intent; the queue only shortens the wait.
type backfillQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	queue  backfillQueue
	passwd *authpw.Service
	log    *zap.Logger
}

func NewService(cfg config.Config, st *store.PostgresStore, q *queue.Redis, log *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		queue:  q,
		passwd: authpw.NewService(st),
		log:    log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type SignUpInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (Session, error) {
	resp, err := s.passwd.SignUp(ctx, authpw.SignUpRequest{
		Email:       strings.TrimSpace(strings.ToLower(input.Email)),
		Password:    input.Password,
		DisplayName: strings.TrimSpace(input.DisplayName),
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailExists) {
			return Session{}, conflict("Email is already registered")
		}
		return Session{}, validationError(err.Error())
	}
	return s.createSession(ctx, resp.UserID)
}

type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) SignIn(ctx context.Context, input SignInInput) (Session, error) {
	user, err := s.passwd.SignIn(ctx, authpw.SignInRequest{
		Email:    strings.TrimSpace(strings.ToLower(input.Email)),
		Password: input.Password,
	})
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.createSession(ctx, user.ID)
}

func (s *Service) createSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken, err := newRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		ExpiresAt:    expiresAt,
	}, nil
}

// Authenticate resolves a bearer token to the acting user ID.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return "", domainError(401, "UNAUTHORIZED", "Invalid or expired token", nil)
	}
	return claims.Sub, nil
}

// Refresh rotates the refresh token: the old one is revoked in the same
// request that mints its replacement.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Invalid refresh token", nil)
	}
	if err := s.store.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.createSession(ctx, user.ID)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// --- Libraries ---

type LibraryView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	IsDefault bool      `json:"isDefault"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func libraryView(lib store.Library, role string) LibraryView {
	return LibraryView{
		ID:        lib.ID,
		Name:      lib.Name,
		OwnerID:   lib.OwnerUserID,
		IsDefault: lib.IsDefault,
		Role:      role,
		CreatedAt: lib.CreatedAt,
	}
}

func (s *Service) CreateLibrary(ctx context.Context, actorID, name string) (LibraryView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return LibraryView{}, validationError("Library name is required")
	}
	lib := store.Library{
		ID:          util.NewID("lib"),
		OwnerUserID: actorID,
		Name:        name,
	}
	if err := s.store.CreateLibrary(ctx, lib); err != nil {
		return LibraryView{}, fmt.Errorf("create library: %w", err)
	}
	return libraryView(lib, string(librole.RoleAdmin)), nil
}

func (s *Service) ListLibraries(ctx context.Context, actorID string) ([]LibraryView, error) {
	libs, err := s.store.ListLibrariesForUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	views := make([]LibraryView, 0, len(libs))
	for _, lib := range libs {
		views = append(views, libraryView(lib, ""))
	}
	return views, nil
}

func (s *Service) GetLibrary(ctx context.Context, actorID, libraryID string) (LibraryView, error) {
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return LibraryView{}, err
	}
	lib, err := s.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return LibraryView{}, maskStoreError(err)
	}
	return libraryView(lib, membership.Role), nil
}

type ItemView struct {
	ItemID  string    `json:"itemId"`
	AddedAt time.Time `json:"addedAt"`
}

func (s *Service) ListLibraryItems(ctx context.Context, actorID, libraryID string) ([]ItemView, error) {
	if _, err := s.requireMembership(ctx, actorID, libraryID); err != nil {
		return nil, err
	}
	items, err := s.store.ListLibraryItems(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list library items: %w", err)
	}
	views := make([]ItemView, 0, len(items))
	for _, item := range items {
		views = append(views, ItemView{ItemID: item.ItemID, AddedAt: item.AddedAt})
	}
	return views, nil
}

func (s *Service) ListMembers(ctx context.Context, actorID, libraryID string) ([]store.Member, error) {
	if _, err := s.requireMembership(ctx, actorID, libraryID); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// --- Items ---

func (s *Service) AddItem(ctx context.Context, actorID, libraryID, itemID string) error {
	if itemID == "" {
		return validationError("Item ID is required")
	}
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return err
	}
	if !librole.Can(librole.Role(membership.Role), librole.ActionAddItems) {
		return forbidden()
	}
	if err := s.store.AddItemToLibrary(ctx, libraryID, itemID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

func (s *Service) RemoveItem(ctx context.Context, actorID, libraryID, itemID string) error {
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return err
	}
	if !librole.Can(librole.Role(membership.Role), librole.ActionAddItems) {
		return forbidden()
	}
	if err := s.store.RemoveItemFromLibrary(ctx, libraryID, itemID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

// AddShelfItem records the actor's own copy of an item in their default
// library, independent of any shared-library edge.
func (s *Service) AddShelfItem(ctx context.Context, actorID, itemID string) error {
	if itemID == "" {
		return validationError("Item ID is required")
	}
	if err := s.store.AddIntrinsic(ctx, actorID, itemID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

func (s *Service) RemoveShelfItem(ctx context.Context, actorID, itemID string) error {
	if err := s.store.RemoveIntrinsic(ctx, actorID, itemID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

type ItemAccess struct {
	ItemID  string `json:"itemId"`
	CanRead bool   `json:"canRead"`
}

// ReadItem answers the visibility question for one item. Items the viewer
// cannot see are reported as missing, never as forbidden.
func (s *Service) ReadItem(ctx context.Context, actorID, itemID string) (ItemAccess, error) {
	ok, err := s.store.CanRead(ctx, actorID, itemID)
	if err != nil {
		return ItemAccess{}, fmt.Errorf("check visibility: %w", err)
	}
	if !ok {
		return ItemAccess{}, maskedNotFound()
	}
	return ItemAccess{ItemID: itemID, CanRead: true}, nil
}

// --- helpers ---

// requireMembership resolves the actor's membership in a library, masking
// both unknown libraries and libraries the actor does not belong to.
func (s *Service) requireMembership(ctx context.Context, actorID, libraryID string) (store.Membership, error) {
	membership, err := s.store.GetMembership(ctx, libraryID, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return store.Membership{}, maskedNotFound()
		}
		return store.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return membership, nil
}

// maskStoreError translates store sentinels into API errors. Missing rows
// surface as masked 404s; state violations surface as conflicts.
func maskStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return maskedNotFound()
	case errors.Is(err, store.ErrDefaultLibrary):
		return conflict("Default libraries cannot be modified directly")
	case errors.Is(err, store.ErrNotMember):
		return conflict("User is not a member of the library")
	case errors.Is(err, store.ErrAlreadyMember):
		return conflict("User is already a member of the library")
	case errors.Is(err, store.ErrDuplicateInvite):
		return conflict("A pending invitation already exists for this user")
	case errors.Is(err, store.ErrInviteNotPending):
		return conflict("Invitation has already been resolved")
	case errors.Is(err, store.ErrOwnerMembership):
		return conflict("The owner's membership cannot be removed or demoted")
	case errors.Is(err, store.ErrLastAdmin):
		return conflict("A library must keep at least one admin")
	default:
		return err
	}
}
