package search

import (
	"time"

	"lumen/api/internal/store"
)

const defaultLimit = 20

// NotificationDoc is the data we index for a notification.
type NotificationDoc struct {
	ID         string `json:"id"`
	IdentityID string `json:"identityId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	CreatedAt  int64  `json:"createdAt"`
}

func DocFromRow(row store.NotificationRow) NotificationDoc {
	return NotificationDoc{
		ID:         row.ID,
		IdentityID: row.IdentityID,
		Title:      row.Title,
		Message:    row.Message,
		Severity:   row.Severity,
		CreatedAt:  row.CreatedAt.UTC().UnixMilli(),
	}
}

func (d NotificationDoc) Created() time.Time {
	return time.UnixMilli(d.CreatedAt).UTC()
}
