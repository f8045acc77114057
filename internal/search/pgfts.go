package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches notifications with PostgreSQL full-text search. It backs
// the search service whenever Meilisearch is not configured or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// SearchNotifications ranks identityID's notifications against text with
// plainto_tsquery and ts_rank, newest first on ties.
func (p *PgFTS) SearchNotifications(ctx context.Context, identityID, text string, limit int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id
		FROM notifications n
		WHERE n.identity_id = $1
			AND n.fts @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(n.fts, plainto_tsquery('english', $2)) DESC, n.created_at DESC
		LIMIT $3
	`, identityID, text, limit)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllRecords returns every notification for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NotificationDoc, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identity_id, title, message, severity, created_at
		FROM notifications
	`)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	defer rows.Close()

	docs := make([]NotificationDoc, 0)
	for rows.Next() {
		var (
			doc     NotificationDoc
			created sql.NullTime
		)
		if err := rows.Scan(&doc.ID, &doc.IdentityID, &doc.Title, &doc.Message, &doc.Severity, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if created.Valid {
			doc.CreatedAt = created.Time.UTC().UnixMilli()
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return docs, nil
}
