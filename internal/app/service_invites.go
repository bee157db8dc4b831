package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookshelf/api/internal/librole"
	"bookshelf/api/internal/queue"
	"bookshelf/api/internal/store"
	"bookshelf/api/internal/util"
)

type InvitationView struct {
	ID          string     `json:"id"`
	LibraryID   string     `json:"libraryId"`
	LibraryName string     `json:"libraryName,omitempty"`
	InviterID   string     `json:"inviterId"`
	InviteeID   string     `json:"inviteeId"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

func invitationView(inv store.Invitation, libraryName string) InvitationView {
	return InvitationView{
		ID:          inv.ID,
		LibraryID:   inv.LibraryID,
		LibraryName: libraryName,
		InviterID:   inv.InviterID,
		InviteeID:   inv.InviteeID,
		Role:        inv.Role,
		Status:      inv.Status,
		CreatedAt:   inv.CreatedAt,
		RespondedAt: inv.RespondedAt,
	}
}

type InviteInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Invite creates a pending invitation to a shared library. Only admins of
// the library may invite, and the invitee is addressed by account email.
func (s *Service) Invite(ctx context.Context, actorID, libraryID string, input InviteInput) (InvitationView, error) {
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return InvitationView{}, err
	}
	if !librole.Can(librole.Role(membership.Role), librole.ActionManageMembers) {
		return InvitationView{}, forbidden()
	}

	role := strings.TrimSpace(input.Role)
	if role != "" && !librole.Valid(role) {
		return InvitationView{}, validationError("Role must be admin or member")
	}

	invitee, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(input.Email)))
	if err != nil {
		return InvitationView{}, domainError(404, "USER_NOT_FOUND", "No account with that email", nil)
	}

	inv := store.Invitation{
		ID:        util.NewID("inv"),
		LibraryID: libraryID,
		InviterID: actorID,
		InviteeID: invitee.ID,
		Role:      string(librole.Normalize(role)),
		Status:    store.InviteStatusPending,
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return InvitationView{}, maskStoreError(err)
	}
	return invitationView(inv, ""), nil
}

// ListInvitations returns the actor's pending invitations, decorated with
// library names for display.
func (s *Service) ListInvitations(ctx context.Context, actorID string) ([]InvitationView, error) {
	invs, err := s.store.ListInvitationsForInvitee(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	views := make([]InvitationView, 0, len(invs))
	for _, inv := range invs {
		name := ""
		if lib, err := s.store.GetLibrary(ctx, inv.LibraryID); err == nil {
			name = lib.Name
		}
		views = append(views, invitationView(inv, name))
	}
	return views, nil
}

type AcceptResult struct {
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

// AcceptInvitation commits the membership and the backfill job row in one
// store transaction, then nudges the worker pool through Redis. A failed
// nudge is only logged; the sweep loop picks the job up from its row.
func (s *Service) AcceptInvitation(ctx context.Context, actorID, invitationID string) (AcceptResult, error) {
	job, idempotent, err := s.store.AcceptInvitation(ctx, invitationID, actorID)
	if err != nil {
		return AcceptResult{}, maskStoreError(err)
	}
	if idempotent {
		return AcceptResult{Status: store.InviteStatusAccepted, Idempotent: true}, nil
	}

	if err := s.queue.Enqueue(ctx, queue.Job{
		LibraryID:       job.LibraryID,
		SourceLibraryID: job.SourceLibraryID,
		UserID:          job.UserID,
	}); err != nil {
		s.log.Warn("backfill enqueue failed, job row awaits sweep",
			zap.String("library_id", job.LibraryID),
			zap.String("source_library_id", job.SourceLibraryID),
			zap.String("user_id", job.UserID),
			zap.Error(err))
	}
	return AcceptResult{Status: store.InviteStatusAccepted, Idempotent: false}, nil
}

func (s *Service) DeclineInvitation(ctx context.Context, actorID, invitationID string) error {
	if _, err := s.store.DeclineInvitation(ctx, invitationID, actorID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

// RevokeInvitation withdraws a pending invitation. Only admins of the
// invitation's library may revoke it.
func (s *Service) RevokeInvitation(ctx context.Context, actorID, invitationID string) error {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return maskStoreError(err)
	}
	membership, err := s.requireMembership(ctx, actorID, inv.LibraryID)
	if err != nil {
		return err
	}
	if !librole.Can(librole.Role(membership.Role), librole.ActionManageMembers) {
		return forbidden()
	}
	if _, err := s.store.RevokeInvitation(ctx, invitationID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

// --- Membership management ---

func (s *Service) ChangeMemberRole(ctx context.Context, actorID, libraryID, targetID, role string) error {
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return err
	}
	if !librole.Can(librole.Role(membership.Role), librole.ActionManageMembers) {
		return forbidden()
	}
	if !librole.Valid(role) {
		return validationError("Role must be admin or member")
	}
	if err := s.store.ChangeMemberRole(ctx, libraryID, targetID, role); err != nil {
		return maskStoreError(err)
	}
	return nil
}

// RemoveMember ejects a member from a shared library. Admins may remove
// anyone; any member may remove themselves. The store tears down the
// member's derived access in the same transaction.
func (s *Service) RemoveMember(ctx context.Context, actorID, libraryID, targetID string) error {
	membership, err := s.requireMembership(ctx, actorID, libraryID)
	if err != nil {
		return err
	}
	if actorID != targetID && !librole.Can(librole.Role(membership.Role), librole.ActionManageMembers) {
		return forbidden()
	}
	if err := s.store.RemoveMember(ctx, libraryID, targetID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

func (s *Service) TransferOwnership(ctx context.Context, actorID, libraryID, newOwnerID string) error {
	if _, err := s.requireMembership(ctx, actorID, libraryID); err != nil {
		return err
	}
	lib, err := s.store.GetLibrary(ctx, libraryID)
	if err != nil {
		return maskStoreError(err)
	}
	if lib.OwnerUserID != actorID {
		return forbidden()
	}
	if err := s.store.TransferOwnership(ctx, libraryID, newOwnerID); err != nil {
		return maskStoreError(err)
	}
	return nil
}

// --- Operator recovery ---

type BackfillJobView struct {
	LibraryID       string     `json:"libraryId"`
	SourceLibraryID string     `json:"sourceLibraryId"`
	UserID          string     `json:"userId"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"lastError,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

func backfillJobView(job store.BackfillJob) BackfillJobView {
	return BackfillJobView{
		LibraryID:       job.LibraryID,
		SourceLibraryID: job.SourceLibraryID,
		UserID:          job.UserID,
		Status:          job.Status,
		Attempts:        job.Attempts,
		LastError:       job.LastError,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		FinishedAt:      job.FinishedAt,
	}
}

func (s *Service) GetBackfillJob(ctx context.Context, libraryID, sourceLibraryID, userID string) (BackfillJobView, error) {
	job, err := s.store.GetBackfillJob(ctx, libraryID, sourceLibraryID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BackfillJobView{}, domainError(404, "NOT_FOUND", "No such backfill job", nil)
		}
		return BackfillJobView{}, fmt.Errorf("get backfill job: %w", err)
	}
	return backfillJobView(job), nil
}

type RequeueResult struct {
	Requeued bool            `json:"requeued"`
	Job      BackfillJobView `json:"job"`
}

// RequeueBackfill resets a stuck or terminally failed job back to pending.
// A running job is left alone; the call reports requeued=false.
func (s *Service) RequeueBackfill(ctx context.Context, libraryID, sourceLibraryID, userID string) (RequeueResult, error) {
	requeued, err := s.store.RequeueBackfillJob(ctx, libraryID, sourceLibraryID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RequeueResult{}, domainError(404, "NOT_FOUND", "No such backfill job", nil)
		}
		return RequeueResult{}, fmt.Errorf("requeue backfill job: %w", err)
	}
	if requeued {
		if err := s.queue.Enqueue(ctx, queue.Job{
			LibraryID:       libraryID,
			SourceLibraryID: sourceLibraryID,
			UserID:          userID,
		}); err != nil {
			s.log.Warn("backfill enqueue failed after requeue",
				zap.String("library_id", libraryID),
				zap.Error(err))
		}
	}
	job, err := s.store.GetBackfillJob(ctx, libraryID, sourceLibraryID, userID)
	if err != nil {
		return RequeueResult{}, fmt.Errorf("get backfill job: %w", err)
	}
	return RequeueResult{Requeued: requeued, Job: backfillJobView(job)}, nil
}
