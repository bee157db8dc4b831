package app

import (
	"context"
	"errors"
	"testing"

	"bookshelf/api/internal/store"
)

func TestAcceptInvitationEnqueuesBackfill(t *testing.T) {
	fs := &fakeStore{
		acceptInvitationFn: func(_ context.Context, invitationID, inviteeID string) (store.BackfillJob, bool, error) {
			if invitationID != "inv-1" || inviteeID != "usr-b" {
				t.Fatalf("unexpected accept args: %s %s", invitationID, inviteeID)
			}
			return store.BackfillJob{
				LibraryID:       "lib-b-default",
				SourceLibraryID: "lib-shared",
				UserID:          "usr-b",
				Status:          store.JobStatusPending,
			}, false, nil
		},
	}
	fq := &fakeQueue{}
	svc := newTestService(fs, fq)

	result, err := svc.AcceptInvitation(context.Background(), "usr-b", "inv-1")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if result.Idempotent {
		t.Fatalf("expected first accept to not be idempotent")
	}
	if len(fq.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(fq.enqueued))
	}
	job := fq.enqueued[0]
	if job.LibraryID != "lib-b-default" || job.SourceLibraryID != "lib-shared" || job.UserID != "usr-b" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestAcceptInvitationSurvivesEnqueueFailure(t *testing.T) {
	fs := &fakeStore{
		acceptInvitationFn: func(context.Context, string, string) (store.BackfillJob, bool, error) {
			return store.BackfillJob{LibraryID: "lib-d", SourceLibraryID: "lib-s", UserID: "usr-b"}, false, nil
		},
	}
	fq := &fakeQueue{enqueueErr: errors.New("redis down")}
	svc := newTestService(fs, fq)

	result, err := svc.AcceptInvitation(context.Background(), "usr-b", "inv-1")
	if err != nil {
		t.Fatalf("expected accept to succeed despite enqueue failure, got %v", err)
	}
	if result.Status != store.InviteStatusAccepted {
		t.Fatalf("expected accepted status, got %s", result.Status)
	}
}

func TestAcceptInvitationIdempotentRepeatSkipsEnqueue(t *testing.T) {
	fs := &fakeStore{
		acceptInvitationFn: func(context.Context, string, string) (store.BackfillJob, bool, error) {
			return store.BackfillJob{}, true, nil
		},
	}
	fq := &fakeQueue{}
	svc := newTestService(fs, fq)

	result, err := svc.AcceptInvitation(context.Background(), "usr-b", "inv-1")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if !result.Idempotent {
		t.Fatalf("expected idempotent accept")
	}
	if len(fq.enqueued) != 0 {
		t.Fatalf("repeated accept must not enqueue, got %d jobs", len(fq.enqueued))
	}
}

func TestAcceptInvitationMasksWrongInvitee(t *testing.T) {
	fs := &fakeStore{
		acceptInvitationFn: func(context.Context, string, string) (store.BackfillJob, bool, error) {
			return store.BackfillJob{}, false, store.ErrNotFound
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.AcceptInvitation(context.Background(), "usr-wrong", "inv-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected masked 404 for wrong invitee, got %v", err)
	}
}

func TestAcceptInvitationConflictsOnResolvedInvite(t *testing.T) {
	fs := &fakeStore{
		acceptInvitationFn: func(context.Context, string, string) (store.BackfillJob, bool, error) {
			return store.BackfillJob{}, false, store.ErrInviteNotPending
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.AcceptInvitation(context.Background(), "usr-b", "inv-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for declined/revoked invite, got %v", err)
	}
}

func TestInviteRequiresAdmin(t *testing.T) {
	fs := &fakeStore{getMembershipFn: membershipAs("member")}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.Invite(context.Background(), "usr-1", "lib-1", InviteInput{Email: "b@example.com"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for member inviter, got %v", err)
	}
}

func TestInviteDefaultsRoleToMember(t *testing.T) {
	var created store.Invitation
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			if email != "b@example.com" {
				t.Fatalf("expected lowercased trimmed email, got %q", email)
			}
			return store.User{ID: "usr-b", Email: email}, nil
		},
		createInvitationFn: func(_ context.Context, inv store.Invitation) error {
			created = inv
			return nil
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	inv, err := svc.Invite(context.Background(), "usr-a", "lib-1", InviteInput{Email: "  B@Example.com "})
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if created.Role != "member" || created.Status != store.InviteStatusPending {
		t.Fatalf("unexpected invitation: %+v", created)
	}
	if inv.InviteeID != "usr-b" || inv.InviterID != "usr-a" {
		t.Fatalf("unexpected view: %+v", inv)
	}
}

func TestInviteRejectsUnknownRole(t *testing.T) {
	fs := &fakeStore{getMembershipFn: membershipAs("admin")}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.Invite(context.Background(), "usr-a", "lib-1", InviteInput{Email: "b@example.com", Role: "viewer"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("Invite with unknown role: err=%v, want 422", err)
	}
}

func TestInviteDuplicatePendingConflicts(t *testing.T) {
	fs := &fakeStore{
		getMembershipFn: membershipAs("admin"),
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr-b"}, nil
		},
		createInvitationFn: func(context.Context, store.Invitation) error {
			return store.ErrDuplicateInvite
		},
	}
	svc := newTestService(fs, &fakeQueue{})

	_, err := svc.Invite(context.Background(), "usr-a", "lib-1", InviteInput{Email: "b@example.com"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 for duplicate pending invite, got %v", err)
	}
}

func TestRevokeInvitationRequiresAdminOfLibrary(t *testing.T) {
	fs := &fakeStore{
		getInvitationFn: func(_ context.Context, invitationID string) (store.Invitation, error) {
			return store.Invitation{ID: invitationID, LibraryID: "lib-1", Status: store.InviteStatusPending}, nil
		},
		getMembershipFn: membershipAs("member"),
	}
	svc := newTestService(fs, &fakeQueue{})

	err := svc.RevokeInvitation(context.Background(), "usr-1", "inv-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-admin revoker, got %v", err)
	}
}

func TestRequeueBackfillEnqueuesWhenReset(t *testing.T) {
	fs := &fakeStore{
		requeueBackfillJobFn: func(context.Context, string, string, string) (bool, error) {
			return true, nil
		},
		getBackfillJobFn: func(_ context.Context, libraryID, sourceLibraryID, userID string) (store.BackfillJob, error) {
			return store.BackfillJob{
				LibraryID:       libraryID,
				SourceLibraryID: sourceLibraryID,
				UserID:          userID,
				Status:          store.JobStatusPending,
			}, nil
		},
	}
	fq := &fakeQueue{}
	svc := newTestService(fs, fq)

	result, err := svc.RequeueBackfill(context.Background(), "lib-d", "lib-s", "usr-b")
	if err != nil {
		t.Fatalf("RequeueBackfill: %v", err)
	}
	if !result.Requeued {
		t.Fatalf("expected requeued=true")
	}
	if len(fq.enqueued) != 1 {
		t.Fatalf("expected enqueue after requeue, got %d", len(fq.enqueued))
	}
}

func TestRequeueBackfillRunningJobIsNoOp(t *testing.T) {
	fs := &fakeStore{
		requeueBackfillJobFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
		getBackfillJobFn: func(_ context.Context, libraryID, sourceLibraryID, userID string) (store.BackfillJob, error) {
			return store.BackfillJob{Status: store.JobStatusRunning}, nil
		},
	}
	fq := &fakeQueue{}
	svc := newTestService(fs, fq)

	result, err := svc.RequeueBackfill(context.Background(), "lib-d", "lib-s", "usr-b")
	if err != nil {
		t.Fatalf("RequeueBackfill: %v", err)
	}
	if result.Requeued {
		t.Fatalf("expected requeued=false for running job")
	}
	if len(fq.enqueued) != 0 {
		t.Fatalf("running job must not be enqueued")
	}
	if result.Job.Status != store.JobStatusRunning {
		t.Fatalf("expected running status in view, got %s", result.Job.Status)
	}
}
