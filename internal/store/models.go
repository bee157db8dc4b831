package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Library struct {
	ID          string
	OwnerUserID string
	Name        string
	IsDefault   bool
	CreatedAt   time.Time
}

type Membership struct {
	LibraryID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Member is a membership joined with user identity for listings.
type Member struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
	JoinedAt    time.Time
}

type LibraryItem struct {
	LibraryID string
	ItemID    string
	AddedAt   time.Time
}

// ClosureEdge records why an item is materialized in a default library:
// the owner is a member of SourceLibraryID, which contains the item.
type ClosureEdge struct {
	LibraryID       string
	ItemID          string
	SourceLibraryID string
	CreatedAt       time.Time
}

type Invitation struct {
	ID          string
	LibraryID   string
	InviterID   string
	InviteeID   string
	Role        string
	Status      string
	CreatedAt   time.Time
	RespondedAt *time.Time
}

const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
	InviteStatusRevoked  = "revoked"
)

// BackfillJob is the durable record of one materialization unit: copy every
// current item of SourceLibraryID into the default library LibraryID owned by
// UserID. The tuple is the primary key.
type BackfillJob struct {
	LibraryID       string
	SourceLibraryID string
	UserID          string
	Status          string
	Attempts        int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)
