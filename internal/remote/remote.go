// Package remote is the production backend: identities and notifications
// live in Postgres, sessions and live feeds in Redis, and the session
// token in the system keyring.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"lumen/api/internal/auth"
	"lumen/api/internal/authpw"
	"lumen/api/internal/backend"
	"lumen/api/internal/model"
	"lumen/api/internal/pubsub"
	"lumen/api/internal/rbac"
	"lumen/api/internal/search"
	"lumen/api/internal/session"
	"lumen/api/internal/store"
	"lumen/api/internal/util"
)

const defaultSessionTTL = 30 * 24 * time.Hour

type Store interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetProfile(ctx context.Context, identityID string) (store.ProfileRow, error)
	UpsertProfile(ctx context.Context, row store.ProfileRow) (store.ProfileRow, error)
	GetRole(ctx context.Context, identityID string) (string, error)
	ListNotifications(ctx context.Context, identityID string, limit int) ([]store.NotificationRow, error)
	InsertNotification(ctx context.Context, row store.NotificationRow) (store.NotificationRow, error)
	MarkNotificationRead(ctx context.Context, id string) (store.NotificationRow, error)
	DeleteNotification(ctx context.Context, id string) (store.NotificationRow, error)
}

type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error)
}

type Credentials interface {
	Token() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

type Indexer interface {
	IndexNotification(doc search.NotificationDoc)
	DeleteNotification(id string)
}

type Config struct {
	Store       Store
	Sessions    *session.RedisStore
	Auth        Authenticator
	Credentials Credentials
	// Index is optional.
	Index      Indexer
	Secret     []byte
	SessionTTL time.Duration
}

type Remote struct {
	cfg Config
	now func() time.Time
}

var _ backend.Backend = (*Remote)(nil)

func New(cfg Config) *Remote {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Remote{cfg: cfg, now: time.Now}
}

func (r *Remote) notificationChannel(identityID string) string {
	return "lumen:notifications:" + identityID
}

// GetCurrentIdentity resolves the stored session token. A missing,
// expired or revoked token means nobody is signed in and is cleared.
func (r *Remote) GetCurrentIdentity(ctx context.Context) (*model.Identity, error) {
	token, err := r.cfg.Credentials.Token()
	if err != nil {
		return nil, fmt.Errorf("read session token: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	claims, err := auth.ParseToken(r.cfg.Secret, token)
	if err != nil {
		log.Printf("remote: discarding stored token: %v", err)
		r.clearToken()
		return nil, nil
	}

	data, err := r.cfg.Sessions.LookupSession(ctx, auth.HashToken(token))
	if errors.Is(err, session.ErrSessionNotFound) {
		r.clearToken()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if data.IdentityID != claims.Subject {
		log.Printf("remote: session %s does not match token subject", claims.ID)
		r.clearToken()
		return nil, nil
	}
	return &model.Identity{ID: data.IdentityID, Email: data.Email, CreatedAt: data.CreatedAt}, nil
}

// SignIn checks the credentials, opens a session and announces it.
func (r *Remote) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	user, err := r.cfg.Auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return r.openSession(ctx, user)
}

// SignUp creates the account and its profile, then signs it in.
func (r *Remote) SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, error) {
	user, err := r.cfg.Auth.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	profile := store.ProfileRow{IdentityID: user.ID, DisplayName: strings.TrimSpace(displayName), Email: user.Email}
	if _, err := r.cfg.Store.UpsertProfile(ctx, profile); err != nil {
		return nil, storeErr("create profile", err)
	}
	return r.openSession(ctx, user)
}

func (r *Remote) openSession(ctx context.Context, user store.User) (*model.Identity, error) {
	now := r.now().UTC()
	claims := auth.NewClaims(user.ID, user.Email, util.NewID("tok"), now, r.cfg.SessionTTL)
	token, err := auth.IssueToken(r.cfg.Secret, claims)
	if err != nil {
		return nil, err
	}

	data := session.TokenData{IdentityID: user.ID, Email: user.Email, CreatedAt: now}
	if err := r.cfg.Sessions.SaveSession(ctx, auth.HashToken(token), data, now.Add(r.cfg.SessionTTL)); err != nil {
		return nil, err
	}
	if err := r.cfg.Credentials.SaveToken(token); err != nil {
		return nil, err
	}

	identity := &model.Identity{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt}
	r.publishIdentity(ctx, model.IdentityEvent{Type: model.IdentitySignedIn, Identity: identity})
	return identity, nil
}

func (r *Remote) OnIdentityChange(ctx context.Context, callback func(model.IdentityEvent)) (backend.Handle, error) {
	sub, err := r.cfg.Sessions.WatchIdentityEvents(ctx, callback, func(err error) {
		log.Printf("remote: skip identity event: %v", err)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Remote) GetProfile(ctx context.Context, identityID string) (*model.Profile, error) {
	row, err := r.cfg.Store.GetProfile(ctx, identityID)
	if err != nil {
		return nil, storeErr("get profile", err)
	}
	return profileFromRow(row), nil
}

// UpdateProfile stores profile and tells every watcher the user changed.
func (r *Remote) UpdateProfile(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	user, err := r.cfg.Store.GetUserByID(ctx, profile.IdentityID)
	if err != nil {
		return nil, storeErr("update profile", err)
	}
	row, err := r.cfg.Store.UpsertProfile(ctx, rowFromProfile(profile))
	if err != nil {
		return nil, storeErr("update profile", err)
	}
	identity := &model.Identity{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt}
	r.publishIdentity(ctx, model.IdentityEvent{Type: model.IdentityUserUpdated, Identity: identity})
	return profileFromRow(row), nil
}

func (r *Remote) GetRole(ctx context.Context, identityID string) (rbac.Role, error) {
	raw, err := r.cfg.Store.GetRole(ctx, identityID)
	if err != nil {
		return "", storeErr("get role", err)
	}
	role := rbac.Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("get role: unknown role %q", raw)
	}
	return role, nil
}

// SubscribeToNotifications returns once the feed is established.
// Undecodable messages are logged and skipped.
func (r *Remote) SubscribeToNotifications(ctx context.Context, identityID string, onEvent func(model.NotificationEvent)) (backend.Handle, error) {
	sub, err := pubsub.Subscribe(ctx, r.cfg.Sessions.Client(), r.notificationChannel(identityID), func(payload []byte) {
		event, err := pubsub.Decode[model.NotificationEvent](payload)
		if err != nil {
			log.Printf("remote: skip notification event: %v", err)
			return
		}
		onEvent(event)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Remote) FetchNotifications(ctx context.Context, identityID string, limit int) ([]model.NotificationRecord, error) {
	rows, err := r.cfg.Store.ListNotifications(ctx, identityID, limit)
	if err != nil {
		return nil, storeErr("fetch notifications", err)
	}
	return recordsFromRows(rows), nil
}

func (r *Remote) MarkNotificationRead(ctx context.Context, id string) error {
	row, err := r.cfg.Store.MarkNotificationRead(ctx, id)
	if err != nil {
		return storeErr("mark notification read", err)
	}
	r.publishNotification(ctx, model.EventUpdated, recordFromRow(row))
	return nil
}

// CreateNotification stores record for its identity, indexes it and
// pushes it to the identity's live feed.
func (r *Remote) CreateNotification(ctx context.Context, record model.NotificationRecord) (model.NotificationRecord, error) {
	if strings.TrimSpace(record.IdentityID) == "" || strings.TrimSpace(record.Title) == "" {
		return model.NotificationRecord{}, fmt.Errorf("create notification: identity and title are required")
	}
	if record.ID == "" {
		record.ID = util.NewID("ntf")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now().UTC()
	}

	row, err := r.cfg.Store.InsertNotification(ctx, rowFromRecord(record))
	if err != nil {
		return model.NotificationRecord{}, storeErr("create notification", err)
	}
	if r.cfg.Index != nil {
		r.cfg.Index.IndexNotification(search.DocFromRow(row))
	}
	created := recordFromRow(row)
	r.publishNotification(ctx, model.EventInserted, created)
	return created, nil
}

func (r *Remote) DeleteNotification(ctx context.Context, id string) error {
	row, err := r.cfg.Store.DeleteNotification(ctx, id)
	if err != nil {
		return storeErr("delete notification", err)
	}
	if r.cfg.Index != nil {
		r.cfg.Index.DeleteNotification(id)
	}
	r.publishNotification(ctx, model.EventDeleted, recordFromRow(row))
	return nil
}

// SignOut revokes the session and forgets the token. The local token is
// cleared even when revocation fails.
func (r *Remote) SignOut(ctx context.Context) error {
	token, err := r.cfg.Credentials.Token()
	if err != nil {
		return fmt.Errorf("read session token: %w", err)
	}

	var revokeErr error
	if token != "" {
		revokeErr = r.cfg.Sessions.RevokeSession(ctx, auth.HashToken(token))
	}
	if err := r.cfg.Credentials.ClearToken(); err != nil {
		return errors.Join(revokeErr, err)
	}
	if revokeErr != nil {
		return revokeErr
	}

	r.publishIdentity(ctx, model.IdentityEvent{Type: model.IdentitySignedOut})
	return nil
}

func (r *Remote) publishIdentity(ctx context.Context, event model.IdentityEvent) {
	if err := r.cfg.Sessions.PublishIdentityEvent(ctx, event); err != nil {
		log.Printf("remote: publish %s: %v", event.Type, err)
	}
}

func (r *Remote) publishNotification(ctx context.Context, eventType model.EventType, record model.NotificationRecord) {
	event := model.NotificationEvent{Type: eventType, Record: record}
	if err := pubsub.Publish(ctx, r.cfg.Sessions.Client(), r.notificationChannel(record.IdentityID), event); err != nil {
		log.Printf("remote: publish notification %s %s: %v", eventType, record.ID, err)
	}
}

func (r *Remote) clearToken() {
	if err := r.cfg.Credentials.ClearToken(); err != nil {
		log.Printf("remote: clear session token: %v", err)
	}
}

// storeErr maps store.ErrNotFound onto the backend taxonomy.
func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, backend.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
