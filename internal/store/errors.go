package store

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrDefaultLibrary   = errors.New("operation not allowed on a default library")
	ErrNotMember        = errors.New("user is not a member of the library")
	ErrAlreadyMember    = errors.New("user is already a member of the library")
	ErrDuplicateInvite  = errors.New("a pending invitation already exists for this invitee")
	ErrInviteNotPending = errors.New("invitation is not pending")
	ErrOwnerMembership  = errors.New("the owner's membership cannot be removed or demoted")
	ErrLastAdmin        = errors.New("a library must keep at least one admin")
)
