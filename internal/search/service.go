package search

import (
	"context"
	"errors"
	"log"
)

var ErrUnavailable = errors.New("search unavailable")

type fallbackSearcher interface {
	SearchNotifications(ctx context.Context, identityID, text string, limit int) ([]string, error)
	LoadAllRecords(ctx context.Context) ([]NotificationDoc, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback fallbackSearcher
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; pgfts may be nil when there is no database.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{meili: meili}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// SearchNotifications tries Meilisearch if healthy, otherwise falls back
// to PG FTS.
func (s *Service) SearchNotifications(ctx context.Context, identityID, text string, limit int) ([]string, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.SearchNotifications(identityID, text, limit)
		if err == nil {
			return ids, nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return nil, ErrUnavailable
	}
	ids, err := s.fallback.SearchNotifications(ctx, identityID, text, limit)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return nil, err
	}
	return ids, nil
}

// IndexNotification indexes a notification (fire-and-forget to Meilisearch).
func (s *Service) IndexNotification(doc NotificationDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNotification(doc); err != nil {
			log.Printf("search: index notification %s: %v", doc.ID, err)
		}
	}()
}

// DeleteNotification removes a notification from the index (fire-and-forget).
func (s *Service) DeleteNotification(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNotification(id); err != nil {
			log.Printf("search: delete notification %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG pushes every stored notification into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}
	docs, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNotifications(docs); err != nil {
		log.Printf("search: reindex notifications: %v", err)
	}
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
