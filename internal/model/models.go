// Package model holds the values shared between the session controller,
// the notification pipeline and the backend adapters.
package model

import (
	"strings"
	"time"
)

// Identity is the authenticated principal. It is immutable once issued.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the mutable descriptive record attached to an Identity. Role
// is the raw role marker as stored; it may be empty.
type Profile struct {
	IdentityID  string    `json:"identityId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Role        string    `json:"role,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type IdentityEventType string

const (
	IdentitySignedIn       IdentityEventType = "signed_in"
	IdentitySignedOut      IdentityEventType = "signed_out"
	IdentityTokenRefreshed IdentityEventType = "token_refreshed"
	IdentityUserUpdated    IdentityEventType = "user_updated"
)

// IdentityEvent is delivered by the backend on sign-in, sign-out and
// refresh. Identity is nil when nobody is signed in.
type IdentityEvent struct {
	Type     IdentityEventType `json:"type"`
	Identity *Identity         `json:"identity,omitempty"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// NormalizeSeverity falls back to info for unknown values.
func NormalizeSeverity(value string) Severity {
	severity := Severity(strings.ToLower(strings.TrimSpace(value)))
	if severity.Valid() {
		return severity
	}
	return SeverityInfo
}

// Action is the optional call-to-action attached to a notification.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type NotificationRecord struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identityId"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Action     *Action   `json:"action,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clone returns a copy that shares no pointers with r.
func (r NotificationRecord) Clone() NotificationRecord {
	if r.Action != nil {
		action := *r.Action
		r.Action = &action
	}
	return r
}

type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
)

// NotificationEvent is one change delivered by the live feed.
type NotificationEvent struct {
	Type   EventType          `json:"eventType"`
	Record NotificationRecord `json:"record"`
}
