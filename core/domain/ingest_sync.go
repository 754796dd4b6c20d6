package domain

import (
	"time"

	"github.com/google/uuid"
)

// User owns all downstream data. Sync preferences ride on the user row.
type User struct {
	ID               uuid.UUID
	Email            string
	WindowMonths     int // rolling window, default 3
	MaxEmailsPerSync int // 0 = unlimited
	Providers        []Provider
	CreatedAt        time.Time
}

// Window returns the user's rolling window, falling back to the default.
func (u *User) Window() int {
	if u.WindowMonths <= 0 {
		return 3
	}
	return u.WindowMonths
}

// SyncStatus tracks a user's sync lifecycle per provider.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncPartial SyncStatus = "partial" // aborted mid-scan, cursor saved
	SyncFailed  SyncStatus = "failed"
)

// SyncState is the persisted cursor for one (user, provider).
type SyncState struct {
	ID         int64
	UserID     uuid.UUID
	Provider   Provider
	Status     SyncStatus
	LastSyncAt *time.Time
	PageCursor string // resume point after partial failure
	UpdatedAt  time.Time
}

// SyncReport summarizes one SyncUser run.
type SyncReport struct {
	Fetched            int `json:"fetched"`
	Inserted           int `json:"inserted"`
	QualifiedSubmitted int `json:"qualified_submitted"`
}

// ProcessingMetrics is the aggregate exposed to collaborators.
type ProcessingMetrics struct {
	TotalEmails              int64   `json:"total_emails"`
	EmailsWithDocuments      int64   `json:"emails_with_documents"`
	TotalDocuments           int64   `json:"total_documents"`
	TotalPagesProcessed      int64   `json:"total_pages_processed"`
	TotalCharactersProcessed int64   `json:"total_characters_processed"`
	AvgPagesPerDocument      float64 `json:"avg_pages_per_document"`
	AvgCharactersPerDocument float64 `json:"avg_characters_per_document"`
}
