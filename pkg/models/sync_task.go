package models

import (
	"time"
)

// EntityKind identifies what a sync task replicates.
type EntityKind string

const (
	EntitySchema           EntityKind = "schema"
	EntityAnnotation       EntityKind = "annotation"
	EntityDocumentMetadata EntityKind = "document_metadata"
)

// SyncTask is the outbox row for an entity whose DocumentStore copy is
// behind its MetadataStore record. It is written in the same transaction
// as the record itself and removed once the copy is confirmed.
//
// Revision increases each time the task is re-enqueued, so a sweep that
// read an older revision cannot remove work queued after it started.
type SyncTask struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityKind    EntityKind     `gorm:"not null;uniqueIndex:idx_sync_entity" json:"entity_kind"`
	EntityID      string         `gorm:"not null;uniqueIndex:idx_sync_entity" json:"entity_id"`
	DocumentID    DocumentID     `gorm:"type:uuid;index" json:"document_id"`
	Revision      int            `gorm:"not null;default:1" json:"revision"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time      `gorm:"not null;index" json:"next_attempt_at"`
	History       HistoryEntries `gorm:"type:text" json:"history,omitempty"`
	// Payload carries the record body for entities that have no
	// MetadataStore row of their own, like document metadata.
	Payload   JSONMap   `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for the sync task model
func (SyncTask) TableName() string {
	return "sync_tasks"
}

// MarkError records a failed sweep attempt.
func (t *SyncTask) MarkError(errorMsg string, next time.Time) {
	t.LastError = errorMsg
	t.Attempts++
	t.NextAttemptAt = next
}
