package remote

import (
	"lumen/api/internal/model"
	"lumen/api/internal/store"
)

func profileFromRow(row store.ProfileRow) *model.Profile {
	return &model.Profile{
		IdentityID:  row.IdentityID,
		DisplayName: row.DisplayName,
		Email:       row.Email,
		Phone:       row.Phone,
		AvatarURL:   row.AvatarURL,
		Role:        row.RoleMarker,
		UpdatedAt:   row.UpdatedAt,
	}
}

func rowFromProfile(profile model.Profile) store.ProfileRow {
	return store.ProfileRow{
		IdentityID:  profile.IdentityID,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
		Phone:       profile.Phone,
		AvatarURL:   profile.AvatarURL,
		RoleMarker:  profile.Role,
	}
}

func recordFromRow(row store.NotificationRow) model.NotificationRecord {
	record := model.NotificationRecord{
		ID:         row.ID,
		IdentityID: row.IdentityID,
		Title:      row.Title,
		Message:    row.Message,
		Severity:   model.NormalizeSeverity(row.Severity),
		Read:       row.Read,
		CreatedAt:  row.CreatedAt,
	}
	if row.ActionLabel != "" || row.ActionURL != "" {
		record.Action = &model.Action{Label: row.ActionLabel, URL: row.ActionURL}
	}
	return record
}

func rowFromRecord(record model.NotificationRecord) store.NotificationRow {
	row := store.NotificationRow{
		ID:         record.ID,
		IdentityID: record.IdentityID,
		Title:      record.Title,
		Message:    record.Message,
		Severity:   string(model.NormalizeSeverity(string(record.Severity))),
		Read:       record.Read,
		CreatedAt:  record.CreatedAt,
	}
	if record.Action != nil {
		row.ActionLabel = record.Action.Label
		row.ActionURL = record.Action.URL
	}
	return row
}

func recordsFromRows(rows []store.NotificationRow) []model.NotificationRecord {
	records := make([]model.NotificationRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, recordFromRow(row))
	}
	return records
}
