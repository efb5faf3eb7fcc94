// Package store defines the two backing stores the coordinator keeps in
// step, and the error types shared by their implementations.
//
// The [MetadataStore] is relational and authoritative: identity, status,
// version counters and the value snapshot of every annotation live there,
// together with the sync outbox ([models.SyncTask]). A write that reaches
// the MetadataStore is committed, whatever happens afterwards.
//
// The [DocumentStore] holds the JSON payloads, schema bodies, the
// append-only history and extended document metadata. It may be
// unreachable; every implementation reports that as a
// [TransientStoreError]. Writes to it are idempotent upserts keyed by the
// stable IDs assigned by the MetadataStore, so replaying them is safe.
//
// Implementations:
//   - [github.com/surrealdb/annosync/pkg/store/postgres] (MetadataStore, GORM)
//   - [github.com/surrealdb/annosync/pkg/store/sqlite] (MetadataStore, database/sql)
//   - [github.com/surrealdb/annosync/pkg/store/surrealdb] (DocumentStore)
//   - [github.com/surrealdb/annosync/pkg/store/memstore] (DocumentStore, for tests and fault injection)
package store

import (
	"context"
	"time"

	"github.com/surrealdb/annosync/pkg/models"
)

// MetadataStore is the authoritative relational store.
//
// Methods that take a *models.SyncTask write it in the same transaction
// as the record: the task is merged into any existing task for the same
// entity (history appended, revision bumped) and the passed task is
// updated with the stored ID and revision.
type MetadataStore interface {
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error)

	CreateSchema(ctx context.Context, schema *models.AnnotationSchema, task *models.SyncTask) error
	GetSchema(ctx context.Context, id models.SchemaID) (*models.AnnotationSchema, error)
	// GetActiveSchema returns the highest schema version for a document.
	GetActiveSchema(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error)

	CreateAnnotation(ctx context.Context, a *models.Annotation, task *models.SyncTask) error
	GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.Annotation, error)
	GetAnnotationByDocument(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error)
	// UpdateAnnotation writes a only if the stored version equals
	// expectedVersion, and sets a.Version to expectedVersion+1. A stale
	// version yields a *ConflictError.
	UpdateAnnotation(ctx context.Context, a *models.Annotation, expectedVersion int, task *models.SyncTask) error

	EnqueueSync(ctx context.Context, task *models.SyncTask) error
	// DueSyncTasks returns tasks with NextAttemptAt at or before now,
	// oldest first.
	DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]*models.SyncTask, error)
	ListSyncTasks(ctx context.Context, documentID models.DocumentID) ([]*models.SyncTask, error)
	// DeferSyncTask persists Attempts, LastError and NextAttemptAt.
	DeferSyncTask(ctx context.Context, task *models.SyncTask) error
	// CompleteSyncTask removes the task if its revision is unchanged and
	// marks the entity synced. It reports false when newer work was
	// queued in the meantime.
	CompleteSyncTask(ctx context.Context, task *models.SyncTask) (bool, error)
	// PromoteDegraded moves every degraded_local_only entity to pending.
	PromoteDegraded(ctx context.Context) (int64, error)
	// EnqueueAll queues a sync task for every schema and annotation.
	EnqueueAll(ctx context.Context, now time.Time) (int, error)

	Stats(ctx context.Context) (*MetadataStats, error)
	Reset(ctx context.Context) error
}

// DocumentStore is the flexible document store. Every error it returns
// for an unreachable or failing backend is a *TransientStoreError.
type DocumentStore interface {
	Ping(ctx context.Context) error
	InitIndexes(ctx context.Context) error
	Close() error

	UpsertSchema(ctx context.Context, schema *models.AnnotationSchema) error
	// UpsertAnnotation keeps a stored payload whose version is higher
	// than p's, so a late replay cannot roll the copy back.
	UpsertAnnotation(ctx context.Context, p *models.AnnotationPayload) error
	GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.AnnotationPayload, error)

	// AppendHistory inserts entries that are not already stored. Existing
	// entries are left untouched.
	AppendHistory(ctx context.Context, entries ...models.HistoryEntry) error
	// History returns a document's entries ordered by timestamp.
	History(ctx context.Context, documentID models.DocumentID) ([]models.HistoryEntry, error)

	SaveDocumentMetadata(ctx context.Context, md *models.DocumentMetadata) error
	GetDocumentMetadata(ctx context.Context, documentID models.DocumentID) (*models.DocumentMetadata, error)

	Stats(ctx context.Context) (*DocumentStats, error)
	Reset(ctx context.Context) error
}

// MetadataStats counts MetadataStore records.
type MetadataStats struct {
	Documents           int64                             `json:"documents"`
	Schemas             int64                             `json:"schemas"`
	Annotations         int64                             `json:"annotations"`
	AnnotationsByStatus map[models.AnnotationStatus]int64 `json:"annotations_by_status"`
	SyncStates          map[models.SyncState]int64        `json:"sync_states"`
	PendingTasks        int64                             `json:"pending_tasks"`
	FailingTasks        int64                             `json:"failing_tasks"`
}

// DocumentStats counts DocumentStore records.
type DocumentStats struct {
	Schemas          int64 `json:"schemas"`
	Annotations      int64 `json:"annotations"`
	HistoryEntries   int64 `json:"history_entries"`
	DocumentMetadata int64 `json:"document_metadata"`
}

// NewMetadataStats returns stats with initialized maps.
func NewMetadataStats() *MetadataStats {
	return &MetadataStats{
		AnnotationsByStatus: map[models.AnnotationStatus]int64{},
		SyncStates:          map[models.SyncState]int64{},
	}
}
