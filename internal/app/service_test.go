package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"bookshelf/api/internal/authpw"
	"bookshelf/api/internal/config"
	"bookshelf/api/internal/queue"
	"bookshelf/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	createUserFn           func(context.Context, store.User, string) error
	saveRefreshFn          func(context.Context, string, string, time.Time) error
	lookupRefreshFn        func(context.Context, string) (store.User, error)
	revokeRefreshFn        func(context.Context, string) error
	createLibraryFn        func(context.Context, store.Library) error
	getLibraryFn           func(context.Context, string) (store.Library, error)
	listLibrariesFn        func(context.Context, string) ([]store.Library, error)
	defaultLibraryIDFn     func(context.Context, string) (string, error)
	getMembershipFn        func(context.Context, string, string) (store.Membership, error)
	listMembersFn          func(context.Context, string) ([]store.Member, error)
	listLibraryItemsFn     func(context.Context, string) ([]store.LibraryItem, error)
	changeMemberRoleFn     func(context.Context, string, string, string) error
	transferOwnershipFn    func(context.Context, string, string) error
	removeMemberFn         func(context.Context, string, string) error
	canReadFn              func(context.Context, string, string) (bool, error)
	addItemToLibraryFn     func(context.Context, string, string) error
	removeItemFn           func(context.Context, string, string) error
	addIntrinsicFn         func(context.Context, string, string) error
	removeIntrinsicFn      func(context.Context, string, string) error
	createInvitationFn     func(context.Context, store.Invitation) error
	getInvitationFn        func(context.Context, string) (store.Invitation, error)
	listInvitationsFn      func(context.Context, string) ([]store.Invitation, error)
	acceptInvitationFn     func(context.Context, string, string) (store.BackfillJob, bool, error)
	declineInvitationFn    func(context.Context, string, string) (bool, error)
	revokeInvitationFn     func(context.Context, string) (bool, error)
	getBackfillJobFn       func(context.Context, string, string, string) (store.BackfillJob, error)
	requeueBackfillJobFn   func(context.Context, string, string, string) (bool, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Test User"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User, defaultLibraryID string) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user, defaultLibraryID)
	}
	return nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshFn != nil {
		return f.saveRefreshFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, tokenHash)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshFn != nil {
		return f.revokeRefreshFn(ctx, tokenHash)
	}
	return nil
}
func (f *fakeStore) CreateLibrary(ctx context.Context, library store.Library) error {
	if f.createLibraryFn != nil {
		return f.createLibraryFn(ctx, library)
	}
	return nil
}
func (f *fakeStore) GetLibrary(ctx context.Context, libraryID string) (store.Library, error) {
	if f.getLibraryFn != nil {
		return f.getLibraryFn(ctx, libraryID)
	}
	return store.Library{}, store.ErrNotFound
}
func (f *fakeStore) ListLibrariesForUser(ctx context.Context, userID string) ([]store.Library, error) {
	if f.listLibrariesFn != nil {
		return f.listLibrariesFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) DefaultLibraryID(ctx context.Context, userID string) (string, error) {
	if f.defaultLibraryIDFn != nil {
		return f.defaultLibraryIDFn(ctx, userID)
	}
	return "", store.ErrNotFound
}
func (f *fakeStore) GetMembership(ctx context.Context, libraryID, userID string) (store.Membership, error) {
	if f.getMembershipFn != nil {
		return f.getMembershipFn(ctx, libraryID, userID)
	}
	return store.Membership{}, store.ErrNotFound
}
func (f *fakeStore) ListMembers(ctx context.Context, libraryID string) ([]store.Member, error) {
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, libraryID)
	}
	return nil, nil
}
func (f *fakeStore) ListLibraryItems(ctx context.Context, libraryID string) ([]store.LibraryItem, error) {
	if f.listLibraryItemsFn != nil {
		return f.listLibraryItemsFn(ctx, libraryID)
	}
	return nil, nil
}
func (f *fakeStore) ChangeMemberRole(ctx context.Context, libraryID, userID, role string) error {
	if f.changeMemberRoleFn != nil {
		return f.changeMemberRoleFn(ctx, libraryID, userID, role)
	}
	return nil
}
func (f *fakeStore) TransferOwnership(ctx context.Context, libraryID, newOwnerID string) error {
	if f.transferOwnershipFn != nil {
		return f.transferOwnershipFn(ctx, libraryID, newOwnerID)
	}
	return nil
}
func (f *fakeStore) RemoveMember(ctx context.Context, libraryID, userID string) error {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, libraryID, userID)
	}
	return nil
}
func (f *fakeStore) CanRead(ctx context.Context, viewerID, itemID string) (bool, error) {
	if f.canReadFn != nil {
		return f.canReadFn(ctx, viewerID, itemID)
	}
	return false, nil
}
func (f *fakeStore) AddItemToLibrary(ctx context.Context, libraryID, itemID string) error {
	if f.addItemToLibraryFn != nil {
		return f.addItemToLibraryFn(ctx, libraryID, itemID)
	}
	return nil
}
func (f *fakeStore) RemoveItemFromLibrary(ctx context.Context, libraryID, itemID string) error {
	if f.removeItemFn != nil {
		return f.removeItemFn(ctx, libraryID, itemID)
	}
	return nil
}
func (f *fakeStore) AddIntrinsic(ctx context.Context, userID, itemID string) error {
	if f.addIntrinsicFn != nil {
		return f.addIntrinsicFn(ctx, userID, itemID)
	}
	return nil
}
func (f *fakeStore) RemoveIntrinsic(ctx context.Context, userID, itemID string) error {
	if f.removeIntrinsicFn != nil {
		return f.removeIntrinsicFn(ctx, userID, itemID)
	}
	return nil
}
func (f *fakeStore) CreateInvitation(ctx context.Context, inv store.Invitation) error {
	if f.createInvitationFn != nil {
		return f.createInvitationFn(ctx, inv)
	}
	return nil
}
func (f *fakeStore) GetInvitation(ctx context.Context, invitationID string) (store.Invitation, error) {
	if f.getInvitationFn != nil {
		return f.getInvitationFn(ctx, invitationID)
	}
	return store.Invitation{}, store.ErrNotFound
}
func (f *fakeStore) ListInvitationsForInvitee(ctx context.Context, inviteeID string) ([]store.Invitation, error) {
	if f.listInvitationsFn != nil {
		return f.listInvitationsFn(ctx, inviteeID)
	}
	return nil, nil
}
func (f *fakeStore) AcceptInvitation(ctx context.Context, invitationID, inviteeID string) (store.BackfillJob, bool, error) {
	if f.acceptInvitationFn != nil {
		return f.acceptInvitationFn(ctx, invitationID, inviteeID)
	}
	return store.BackfillJob{}, false, store.ErrNotFound
}
func (f *fakeStore) DeclineInvitation(ctx context.Context, invitationID, inviteeID string) (bool, error) {
	if f.declineInvitationFn != nil {
		return f.declineInvitationFn(ctx, invitationID, inviteeID)
	}
	return false, store.ErrNotFound
}
func (f *fakeStore) RevokeInvitation(ctx context.Context, invitationID string) (bool, error) {
	if f.revokeInvitationFn != nil {
		return f.revokeInvitationFn(ctx, invitationID)
	}
	return false, store.ErrNotFound
}
func (f *fakeStore) GetBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (store.BackfillJob, error) {
	if f.getBackfillJobFn != nil {
		return f.getBackfillJobFn(ctx, libraryID, sourceLibraryID, userID)
	}
	return store.BackfillJob{}, store.ErrNotFound
}
func (f *fakeStore) RequeueBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (bool, error) {
	if f.requeueBackfillJobFn != nil {
		return f.requeueBackfillJobFn(ctx, libraryID, sourceLibraryID, userID)
	}
	return false, store.ErrNotFound
}

type fakeQueue struct {
	enqueued   []queue.Job
	enqueueErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

func newTestService(fs *fakeStore, fq *fakeQueue) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:  fs,
		queue:  fq,
		passwd: authpw.NewService(fs),
		log:    zap.NewNop(),
	}
}

func membershipAs(role string) func(context.Context, string, string) (store.Membership, error) {
	return func(_ context.Context, libraryID, userID string) (store.Membership, error) {
		return store.Membership{LibraryID: libraryID, UserID: userID, Role: role}, nil
	}
}

func TestReadItemMasksInvisibleItems(t *testing.T) {
	fs := &fakeStore{
		canReadFn: func(_ context.Context, viewerID, itemID string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.ReadItem(context.Background(), "usr-1", "item-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 404 || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected masked 404 NOT_FOUND, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestReadItemAllowsVisibleItems(t *testing.T) {
	fs := &fakeStore{
		canReadFn: func(_ context.Context, viewerID, itemID string) (bool, error) {
			return viewerID == "usr-1" && itemID == "item-1", nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	access, err := svc.ReadItem(context.Background(), "usr-1", "item-1")
	if err != nil {
		t.Fatalf("ReadItem: %v", err)
	}
	if !access.CanRead || access.ItemID != "item-1" {
		t.Fatalf("unexpected access: %+v", access)
	}
}

func TestGetLibraryMasksNonMembers(t *testing.T) {
	fs := &fakeStore{
		getLibraryFn: func(_ context.Context, libraryID string) (store.Library, error) {
			return store.Library{ID: libraryID, Name: "Secret"}, nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.GetLibrary(context.Background(), "usr-outsider", "lib-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected masked 404 for non-member, got %v", err)
	}
}

func TestAddItemRequiresMembership(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	err := svc.AddItem(context.Background(), "usr-1", "lib-1", "item-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected masked 404, got %v", err)
	}
}

func TestAddItemAllowedForMemberRole(t *testing.T) {
	var added bool
	fs := &fakeStore{
		getMembershipFn: membershipAs("member"),
		addItemToLibraryFn: func(_ context.Context, libraryID, itemID string) error {
			added = true
			return nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	if err := svc.AddItem(context.Background(), "usr-1", "lib-1", "item-1"); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if !added {
		t.Fatalf("expected store.AddItemToLibrary to be called")
	}
}

func TestAddItemRejectsDefaultLibrary(t *testing.T) {
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		addItemToLibraryFn: func(context.Context, string, string) error {
			return store.ErrDefaultLibrary
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.AddItem(context.Background(), "usr-1", "lib-default", "item-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 conflict for default library, got %v", err)
	}
}

func TestChangeMemberRoleRequiresAdmin(t *testing.T) {
	fs := &fakeStore{getMembershipFn: membershipAs("member")}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.ChangeMemberRole(context.Background(), "usr-1", "lib-1", "usr-2", "admin")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-admin, got %v", err)
	}
}

func TestChangeMemberRoleMapsLastAdminToConflict(t *testing.T) {
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		changeMemberRoleFn: func(context.Context, string, string, string) error {
			return store.ErrLastAdmin
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.ChangeMemberRole(context.Background(), "usr-1", "lib-1", "usr-1", "member")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for last admin demotion, got %v", err)
	}
}

func TestRemoveMemberSelfRemovalAllowedForMemberRole(t *testing.T) {
	var removed bool
	fs := &fakeStore{
		getMembershipFn: membershipAs("member"),
		removeMemberFn: func(_ context.Context, libraryID, userID string) error {
			removed = userID == "usr-1"
			return nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	if err := svc.RemoveMember(context.Background(), "usr-1", "lib-1", "usr-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if !removed {
		t.Fatalf("expected self-removal to reach the store")
	}
}

func TestRemoveMemberOfOthersRequiresAdmin(t *testing.T) {
	fs := &fakeStore{getMembershipFn: membershipAs("member")}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.RemoveMember(context.Background(), "usr-1", "lib-1", "usr-2")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestTransferOwnershipRequiresOwner(t *testing.T) {
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		getLibraryFn: func(_ context.Context, libraryID string) (store.Library, error) {
			return store.Library{ID: libraryID, OwnerUserID: "usr-owner"}, nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.TransferOwnership(context.Background(), "usr-admin", "lib-1", "usr-2")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-owner admin, got %v", err)
	}
}

func TestTransferOwnershipToNonMemberConflicts(t *testing.T) {
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		getLibraryFn: func(_ context.Context, libraryID string) (store.Library, error) {
			return store.Library{ID: libraryID, OwnerUserID: "usr-1"}, nil
		},
		transferOwnershipFn: func(context.Context, string, string) error {
			return store.ErrNotMember
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.TransferOwnership(context.Background(), "usr-1", "lib-1", "usr-stranger")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for non-member transfer target, got %v", err)
	}
}
