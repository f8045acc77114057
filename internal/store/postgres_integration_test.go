package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("LUMEN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LUMEN_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresUsersProfilesAndRoles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "idn_1", Email: "Ana@Lumen.dev", PasswordHash: "hash"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "idn_2", Email: "ana@lumen.dev", PasswordHash: "hash"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}

	user, err := s.GetUserByEmail(ctx, "ANA@lumen.dev")
	if err != nil || user.ID != "idn_1" {
		t.Fatalf("lookup by email: %+v %v", user, err)
	}

	if _, err := s.GetProfile(ctx, "idn_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing profile, got %v", err)
	}
	if _, err := s.UpsertProfile(ctx, ProfileRow{IdentityID: "idn_1", DisplayName: "Ana", RoleMarker: "admin"}); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	profile, err := s.GetProfile(ctx, "idn_1")
	if err != nil || profile.DisplayName != "Ana" || profile.RoleMarker != "admin" {
		t.Fatalf("read profile: %+v %v", profile, err)
	}

	role, err := s.GetRole(ctx, "idn_1")
	if err != nil || role != "user" {
		t.Fatalf("expected default user role, got %q %v", role, err)
	}
	if err := s.SetRole(ctx, "idn_1", "super_admin"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if role, _ := s.GetRole(ctx, "idn_1"); role != "super_admin" {
		t.Fatalf("expected super_admin, got %q", role)
	}
}

func TestPostgresNotifications(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "idn_1", Email: "ana@lumen.dev", PasswordHash: "hash"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"ntf_a", "ntf_b", "ntf_c"} {
		_, err := s.InsertNotification(ctx, NotificationRow{
			ID:         id,
			IdentityID: "idn_1",
			Title:      "Title " + id,
			Severity:   "info",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	items, err := s.ListNotifications(ctx, "idn_1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "ntf_c" || items[1].ID != "ntf_b" {
		t.Fatalf("unexpected page: %+v", items)
	}

	for i := 0; i < 2; i++ {
		marked, err := s.MarkNotificationRead(ctx, "ntf_a")
		if err != nil || !marked.Read {
			t.Fatalf("mark read #%d: %+v %v", i, marked, err)
		}
	}
	if _, err := s.MarkNotificationRead(ctx, "ntf_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := s.DeleteNotification(ctx, "ntf_b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err := s.ListAllNotifications(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
}
