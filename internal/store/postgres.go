package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, LOWER($2), $3)
	`, user.ID, strings.TrimSpace(user.Email), user.PasswordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", user.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = LOWER($1)`
	return s.scanUser(s.db.QueryRowContext(ctx, query, strings.TrimSpace(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, identityID string) (ProfileRow, error) {
	var row ProfileRow
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, display_name, email, phone, avatar_url, role_marker, updated_at
		FROM profiles
		WHERE identity_id = $1
	`, identityID).Scan(&row.IdentityID, &row.DisplayName, &row.Email, &row.Phone, &row.AvatarURL, &row.RoleMarker, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRow{}, fmt.Errorf("read profile %s: %w", identityID, ErrNotFound)
	}
	if err != nil {
		return ProfileRow{}, fmt.Errorf("read profile: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, row ProfileRow) (ProfileRow, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO profiles (identity_id, display_name, email, phone, avatar_url, role_marker, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			avatar_url = EXCLUDED.avatar_url,
			role_marker = EXCLUDED.role_marker,
			updated_at = NOW()
		RETURNING updated_at
	`, row.IdentityID, row.DisplayName, row.Email, row.Phone, row.AvatarURL, row.RoleMarker).Scan(&row.UpdatedAt)
	if err != nil {
		return ProfileRow{}, fmt.Errorf("upsert profile: %w", err)
	}
	return row, nil
}

// GetRole returns the stored role. An identity without a row is a plain
// user.
func (s *PostgresStore) GetRole(ctx context.Context, identityID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM roles WHERE identity_id = $1`, identityID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "user", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) SetRole(ctx context.Context, identityID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (identity_id, role, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
	`, identityID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

const notificationColumns = `id, identity_id, title, message, severity, action_label, action_url, read, created_at, updated_at`

// ListNotifications returns the newest limit notifications of identityID.
func (s *PostgresStore) ListNotifications(ctx context.Context, identityID string, limit int) ([]NotificationRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE identity_id = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2
	`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListAllNotifications is used to rebuild the search index.
func (s *PostgresStore) ListAllNotifications(ctx context.Context) ([]NotificationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *PostgresStore) GetNotification(ctx context.Context, id string) (NotificationRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row, id)
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n NotificationRow) (NotificationRow, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, identity_id, title, message, severity, action_label, action_url, read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING `+notificationColumns,
		n.ID, n.IdentityID, n.Title, n.Message, n.Severity, n.ActionLabel, n.ActionURL, n.Read, n.CreatedAt)
	inserted, err := scanNotification(row, n.ID)
	if isUniqueViolation(err) {
		return NotificationRow{}, fmt.Errorf("insert notification %s: %w", n.ID, ErrDuplicate)
	}
	if err != nil {
		return NotificationRow{}, fmt.Errorf("insert notification: %w", err)
	}
	return inserted, nil
}

// MarkNotificationRead is idempotent: marking a read notification again
// returns it unchanged.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) (NotificationRow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET read = TRUE, updated_at = CASE WHEN read THEN updated_at ELSE NOW() END
		WHERE id = $1
		RETURNING `+notificationColumns, id)
	return scanNotification(row, id)
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, id string) (NotificationRow, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM notifications WHERE id = $1 RETURNING `+notificationColumns, id)
	return scanNotification(row, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner, id string) (NotificationRow, error) {
	var n NotificationRow
	err := row.Scan(&n.ID, &n.IdentityID, &n.Title, &n.Message, &n.Severity, &n.ActionLabel, &n.ActionURL, &n.Read, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationRow{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return NotificationRow{}, err
	}
	return n, nil
}

func scanNotifications(rows *sql.Rows) ([]NotificationRow, error) {
	items := []NotificationRow{}
	for rows.Next() {
		n, err := scanNotification(rows, "")
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
