package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// User is the credential record behind an identity.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// ProfileRow mirrors the profiles table. RoleMarker is the raw role text
// stored with the profile, which may be empty or unknown.
type ProfileRow struct {
	IdentityID  string
	DisplayName string
	Email       string
	Phone       string
	AvatarURL   string
	RoleMarker  string
	UpdatedAt   time.Time
}

type NotificationRow struct {
	ID          string
	IdentityID  string
	Title       string
	Message     string
	Severity    string
	ActionLabel string
	ActionURL   string
	Read        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
