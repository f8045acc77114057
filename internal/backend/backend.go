// Package backend describes the collaborator that owns authentication,
// profiles, roles and notification persistence.
package backend

import (
	"context"

	"lumen/api/internal/model"
	"lumen/api/internal/rbac"
)

// Handle releases a standing subscription.
type Handle interface {
	Close(ctx context.Context) error
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context) error

func (f HandleFunc) Close(ctx context.Context) error { return f(ctx) }

type Backend interface {
	GetCurrentIdentity(ctx context.Context) (*model.Identity, error)
	OnIdentityChange(ctx context.Context, callback func(model.IdentityEvent)) (Handle, error)
	// GetProfile returns ErrNotFound when the identity has no profile.
	GetProfile(ctx context.Context, identityID string) (*model.Profile, error)
	GetRole(ctx context.Context, identityID string) (rbac.Role, error)
	SubscribeToNotifications(ctx context.Context, identityID string, onEvent func(model.NotificationEvent)) (Handle, error)
	FetchNotifications(ctx context.Context, identityID string, limit int) ([]model.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
	SignOut(ctx context.Context) error
}
