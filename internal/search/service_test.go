package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"lumen/api/internal/store"
)

type fakeFallback struct {
	searchFn func(ctx context.Context, identityID, text string, limit int) ([]string, error)
}

func (f fakeFallback) SearchNotifications(ctx context.Context, identityID, text string, limit int) ([]string, error) {
	return f.searchFn(ctx, identityID, text, limit)
}

func (f fakeFallback) LoadAllRecords(context.Context) ([]NotificationDoc, error) {
	return nil, nil
}

func TestServiceUsesFallbackWithoutMeili(t *testing.T) {
	var gotIdentity, gotText string
	svc := &Service{fallback: fakeFallback{searchFn: func(_ context.Context, identityID, text string, _ int) ([]string, error) {
		gotIdentity, gotText = identityID, text
		return []string{"ntf_1"}, nil
	}}}

	ids, err := svc.SearchNotifications(context.Background(), "idn_1", "invoice", 10)
	if err != nil {
		t.Fatalf("SearchNotifications() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "ntf_1" || gotIdentity != "idn_1" || gotText != "invoice" {
		t.Fatalf("unexpected call: ids=%v identity=%q text=%q", ids, gotIdentity, gotText)
	}
}

func TestServiceWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil)
	if _, err := svc.SearchNotifications(context.Background(), "idn_1", "x", 10); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	svc.IndexNotification(NotificationDoc{ID: "ntf_1"})
	svc.DeleteNotification("ntf_1")
	svc.ReindexAllFromPG(context.Background())
	svc.Close()
}

func TestServicePropagatesFallbackError(t *testing.T) {
	svc := &Service{fallback: fakeFallback{searchFn: func(context.Context, string, string, int) ([]string, error) {
		return nil, errors.New("db down")
	}}}
	if _, err := svc.SearchNotifications(context.Background(), "idn_1", "x", 10); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeString(t *testing.T) {
	hit := meili.Hit{
		"id":     json.RawMessage(`"ntf_1"`),
		"number": json.RawMessage(`42`),
	}
	if got := decodeString(hit, "id"); got != "ntf_1" {
		t.Fatalf("decodeString(id) = %q", got)
	}
	if got := decodeString(hit, "number"); got != "" {
		t.Fatalf("decodeString(number) = %q", got)
	}
	if got := decodeString(hit, "missing"); got != "" {
		t.Fatalf("decodeString(missing) = %q", got)
	}
}

func TestDocFromRow(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := DocFromRow(store.NotificationRow{ID: "ntf_1", IdentityID: "idn_1", Title: "Hi", Severity: "info", CreatedAt: created})
	if doc.ID != "ntf_1" || doc.IdentityID != "idn_1" || !doc.Created().Equal(created) {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}
