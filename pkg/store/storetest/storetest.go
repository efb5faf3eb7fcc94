// Package storetest provides behaviour suites that every MetadataStore and
// DocumentStore implementation must pass.
//
// Each backend's test file supplies a constructor and calls
// [RunMetadataStore] or [RunDocumentStore]. The constructor is called once
// per subtest and must return an empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Now returns a timestamp every backend stores without loss.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func fields() models.FieldDefinitions {
	return models.FieldDefinitions{
		{Name: "party", Label: "Party", Type: models.FieldEntity, Required: true},
		{Name: "status", Label: "Status", Type: models.FieldChoice, Choices: []string{"Draft", "Signed"}, Order: 1},
	}
}

type seeded struct {
	doc    *models.Document
	schema *models.AnnotationSchema
	ann    *models.Annotation
}

func entry(doc models.DocumentID, ann models.AnnotationID, action models.HistoryAction, at time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		ID:           models.NewHistoryID(),
		AnnotationID: ann,
		DocumentID:   doc,
		Action:       action,
		PerformedBy:  "tester",
		Timestamp:    at,
	}
}

func seed(t *testing.T, s store.MetadataStore, state models.SyncState) seeded {
	t.Helper()
	ctx := context.Background()
	now := Now()

	doc := &models.Document{ID: models.NewDocumentID(), Title: "contract.pdf", FileType: "pdf", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateDocument(ctx, doc))

	schema := &models.AnnotationSchema{
		ID: models.NewSchemaID(), DocumentID: doc.ID, Version: 1, Name: "contract",
		Fields: fields(), Storage: models.StorageDual, SyncState: state,
		CreatedBy: "tester", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateSchema(ctx, schema, &models.SyncTask{
		EntityKind: models.EntitySchema, EntityID: schema.ID.String(), DocumentID: doc.ID, NextAttemptAt: now,
		History: models.HistoryEntries{entry(doc.ID, models.AnnotationID{}, models.ActionSchemaCreated, now)},
	}))

	ann := &models.Annotation{
		ID: models.NewAnnotationID(), DocumentID: doc.ID, SchemaID: schema.ID, SchemaVersion: 1,
		Status: models.StatusDraft, Values: models.JSONMap{"party": "ACME"}, Version: 1, SyncState: state,
		AnnotatedBy: "tester", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAnnotation(ctx, ann, &models.SyncTask{
		EntityKind: models.EntityAnnotation, EntityID: ann.ID.String(), DocumentID: doc.ID, NextAttemptAt: now,
		History: models.HistoryEntries{entry(doc.ID, ann.ID, models.ActionCreated, now)},
	}))
	return seeded{doc: doc, schema: schema, ann: ann}
}

func taskFor(t *testing.T, s store.MetadataStore, doc models.DocumentID, kind models.EntityKind) *models.SyncTask {
	t.Helper()
	tasks, err := s.ListSyncTasks(context.Background(), doc)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.EntityKind == kind {
			return task
		}
	}
	t.Fatalf("no %s task for document %s", kind, doc)
	return nil
}

// RunMetadataStore runs the MetadataStore suite.
func RunMetadataStore(t *testing.T, newStore func(t *testing.T) store.MetadataStore) {
	ctx := context.Background()

	t.Run("documents", func(t *testing.T) {
		s := newStore(t)
		d := seed(t, s, models.SyncPending).doc

		got, err := s.GetDocument(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.Title, got.Title)
		assert.Equal(t, d.FileType, got.FileType)

		_, err = s.GetDocument(ctx, models.NewDocumentID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("schema versions", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)

		got, err := s.GetSchema(ctx, sd.schema.ID)
		require.NoError(t, err)
		assert.Equal(t, sd.schema.Fields, got.Fields)
		assert.Equal(t, models.StorageDual, got.Storage)

		now := Now()
		v2 := &models.AnnotationSchema{
			ID: models.NewSchemaID(), DocumentID: sd.doc.ID, Version: 2, Name: "contract v2",
			Fields: fields()[:1], Storage: models.StorageMetadataOnly, SyncState: models.SyncPending,
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateSchema(ctx, v2, nil))

		active, err := s.GetActiveSchema(ctx, sd.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, active.ID)
		assert.Equal(t, 2, active.Version)

		dup := *v2
		dup.ID = models.NewSchemaID()
		var ce *store.ConflictError
		assert.ErrorAs(t, s.CreateSchema(ctx, &dup, nil), &ce)

		_, err = s.GetActiveSchema(ctx, models.NewDocumentID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("optimistic update", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)

		a, err := s.GetAnnotationByDocument(ctx, sd.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, sd.ann.ID, a.ID)
		assert.Equal(t, "ACME", a.Values["party"])

		a.Values = models.JSONMap{"party": "Globex", "status": "Signed"}
		a.UpdatedAt = Now()
		require.NoError(t, s.UpdateAnnotation(ctx, a, 1, nil))
		assert.Equal(t, 2, a.Version)

		stale := *a
		stale.Values = models.JSONMap{"party": "Initech"}
		err = s.UpdateAnnotation(ctx, &stale, 1, nil)
		var ce *store.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.Actual)

		got, err := s.GetAnnotation(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "Globex", got.Values["party"])

		dup := *sd.ann
		dup.ID = models.NewAnnotationID()
		assert.ErrorAs(t, s.CreateAnnotation(ctx, &dup, nil), &ce, "one annotation per document")
	})

	t.Run("tasks merge per entity", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)
		first := taskFor(t, s, sd.doc.ID, models.EntityAnnotation)
		assert.Equal(t, 1, first.Revision)

		first.MarkError("refused", Now().Add(time.Hour))
		require.NoError(t, s.DeferSyncTask(ctx, first))

		a := *sd.ann
		a.Values = models.JSONMap{"party": "Globex"}
		a.UpdatedAt = Now()
		later := entry(sd.doc.ID, a.ID, models.ActionFieldUpdated, a.UpdatedAt.Add(time.Second))
		task := &models.SyncTask{
			EntityKind: models.EntityAnnotation, EntityID: a.ID.String(), DocumentID: sd.doc.ID,
			NextAttemptAt: a.UpdatedAt, History: models.HistoryEntries{later},
		}
		require.NoError(t, s.UpdateAnnotation(ctx, &a, 1, task))
		assert.Equal(t, first.ID, task.ID)
		assert.Equal(t, 2, task.Revision)
		assert.Equal(t, 1, task.Attempts, "merge keeps the failure count")

		merged := taskFor(t, s, sd.doc.ID, models.EntityAnnotation)
		assert.Equal(t, 2, merged.Revision)
		assert.Equal(t, 1, merged.Attempts)
		assert.Equal(t, "refused", merged.LastError)
		require.Len(t, merged.History, 2)
		assert.Equal(t, models.ActionCreated, merged.History[0].Action)
		assert.Equal(t, later.ID, merged.History[1].ID)

		tasks, err := s.ListSyncTasks(ctx, sd.doc.ID)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("complete checks revision", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)
		read := taskFor(t, s, sd.doc.ID, models.EntitySchema)

		require.NoError(t, s.EnqueueSync(ctx, &models.SyncTask{
			EntityKind: models.EntitySchema, EntityID: sd.schema.ID.String(), DocumentID: sd.doc.ID, NextAttemptAt: Now(),
		}))
		done, err := s.CompleteSyncTask(ctx, read)
		require.NoError(t, err)
		assert.False(t, done)

		sc, err := s.GetSchema(ctx, sd.schema.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncPending, sc.SyncState)

		current := taskFor(t, s, sd.doc.ID, models.EntitySchema)
		done, err = s.CompleteSyncTask(ctx, current)
		require.NoError(t, err)
		assert.True(t, done)

		sc, err = s.GetSchema(ctx, sd.schema.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncSynced, sc.SyncState)
	})

	t.Run("due tasks", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)
		now := Now()

		ann := taskFor(t, s, sd.doc.ID, models.EntityAnnotation)
		ann.MarkError("timeout", now.Add(time.Minute))
		require.NoError(t, s.DeferSyncTask(ctx, ann))

		due, err := s.DueSyncTasks(ctx, now.Add(time.Second), 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, models.EntitySchema, due[0].EntityKind)

		due, err = s.DueSyncTasks(ctx, now.Add(2*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, models.EntitySchema, due[0].EntityKind, "oldest first")

		due, err = s.DueSyncTasks(ctx, now.Add(2*time.Minute), 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("document metadata payload", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncSynced)
		for _, pages := range []string{"3", "4"} {
			require.NoError(t, s.EnqueueSync(ctx, &models.SyncTask{
				EntityKind: models.EntityDocumentMetadata, EntityID: sd.doc.ID.String(), DocumentID: sd.doc.ID,
				NextAttemptAt: Now(), Payload: models.JSONMap{"pages": pages},
			}))
		}
		task := taskFor(t, s, sd.doc.ID, models.EntityDocumentMetadata)
		assert.Equal(t, "4", task.Payload["pages"])

		done, err := s.CompleteSyncTask(ctx, task)
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("concurrent first enqueues merge", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncSynced)
		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.EnqueueSync(ctx, &models.SyncTask{
					EntityKind: models.EntityDocumentMetadata, EntityID: sd.doc.ID.String(), DocumentID: sd.doc.ID,
					NextAttemptAt: Now(), Payload: models.JSONMap{"writer": i},
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		tasks, err := s.ListSyncTasks(ctx, sd.doc.ID)
		require.NoError(t, err)
		var merged []*models.SyncTask
		for _, task := range tasks {
			if task.EntityKind == models.EntityDocumentMetadata {
				merged = append(merged, task)
			}
		}
		require.Len(t, merged, 1)
		assert.Equal(t, writers, merged[0].Revision)
	})

	t.Run("promote degraded", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncDegradedLocalOnly)

		n, err := s.PromoteDegraded(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		a, err := s.GetAnnotation(ctx, sd.ann.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncPending, a.SyncState)

		n, err = s.PromoteDegraded(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("enqueue all", func(t *testing.T) {
		s := newStore(t)
		sd := seed(t, s, models.SyncPending)
		for _, kind := range []models.EntityKind{models.EntitySchema, models.EntityAnnotation} {
			done, err := s.CompleteSyncTask(ctx, taskFor(t, s, sd.doc.ID, kind))
			require.NoError(t, err)
			require.True(t, done)
		}

		n, err := s.EnqueueAll(ctx, Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		tasks, err := s.ListSyncTasks(ctx, sd.doc.ID)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
		a, err := s.GetAnnotation(ctx, sd.ann.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncPending, a.SyncState)
	})

	t.Run("stats and reset", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, models.SyncPending)
		seed(t, s, models.SyncDegradedLocalOnly)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Documents)
		assert.EqualValues(t, 2, stats.Schemas)
		assert.EqualValues(t, 2, stats.Annotations)
		assert.EqualValues(t, 4, stats.PendingTasks)
		assert.EqualValues(t, 2, stats.AnnotationsByStatus[models.StatusDraft])
		assert.EqualValues(t, 2, stats.SyncStates[models.SyncPending])
		assert.EqualValues(t, 2, stats.SyncStates[models.SyncDegradedLocalOnly])

		require.NoError(t, s.Reset(ctx))
		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Documents)
		assert.Zero(t, stats.PendingTasks)
	})
}

// RunDocumentStore runs the DocumentStore suite.
func RunDocumentStore(t *testing.T, newStore func(t *testing.T) store.DocumentStore) {
	ctx := context.Background()

	t.Run("schema upsert", func(t *testing.T) {
		s := newStore(t)
		now := Now()
		sc := &models.AnnotationSchema{
			ID: models.NewSchemaID(), DocumentID: models.NewDocumentID(), Version: 1, Name: "contract",
			Fields: fields(), Storage: models.StorageDual, SyncState: models.SyncSynced, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.UpsertSchema(ctx, sc))
		require.NoError(t, s.UpsertSchema(ctx, sc))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Schemas)
	})

	t.Run("annotation upsert keeps newest", func(t *testing.T) {
		s := newStore(t)
		p := &models.AnnotationPayload{
			ID: models.NewAnnotationID(), DocumentID: models.NewDocumentID(), SchemaID: models.NewSchemaID(),
			SchemaVersion: 1, Status: models.StatusDraft, Values: models.JSONMap{"party": "ACME"}, Version: 1, UpdatedAt: Now(),
		}
		require.NoError(t, s.UpsertAnnotation(ctx, p))

		newer := *p
		newer.Values = models.JSONMap{"party": "Globex"}
		newer.Version = 2
		require.NoError(t, s.UpsertAnnotation(ctx, &newer))
		require.NoError(t, s.UpsertAnnotation(ctx, p), "replaying an old version is not an error")

		got, err := s.GetAnnotation(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "Globex", got.Values["party"])
		assert.Equal(t, p.DocumentID, got.DocumentID)

		_, err = s.GetAnnotation(ctx, models.NewAnnotationID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("history", func(t *testing.T) {
		s := newStore(t)
		doc := models.NewDocumentID()
		ann := models.NewAnnotationID()
		now := Now()

		first := entry(doc, ann, models.ActionCreated, now)
		second := entry(doc, ann, models.ActionFieldUpdated, now.Add(time.Second))
		second.FieldName = "party"
		second.NewValue = "ACME"
		require.NoError(t, s.AppendHistory(ctx, second, first))

		replay := first
		replay.Comment = "replayed"
		require.NoError(t, s.AppendHistory(ctx, replay))
		require.NoError(t, s.AppendHistory(ctx))

		other := entry(models.NewDocumentID(), models.AnnotationID{}, models.ActionSchemaCreated, now)
		require.NoError(t, s.AppendHistory(ctx, other))

		got, err := s.History(ctx, doc)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)
		assert.Empty(t, got[0].Comment, "existing entries are not overwritten")
		assert.Equal(t, second.ID, got[1].ID)
		assert.Equal(t, "party", got[1].FieldName)
		assert.True(t, second.Timestamp.Equal(got[1].Timestamp))
	})

	t.Run("document metadata", func(t *testing.T) {
		s := newStore(t)
		doc := models.NewDocumentID()
		_, err := s.GetDocumentMetadata(ctx, doc)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.SaveDocumentMetadata(ctx, &models.DocumentMetadata{
			DocumentID: doc, Attributes: models.JSONMap{"author": "Dana"}, UpdatedAt: Now(),
		}))
		require.NoError(t, s.SaveDocumentMetadata(ctx, &models.DocumentMetadata{
			DocumentID: doc, Attributes: models.JSONMap{"author": "Dana", "language": "en"}, UpdatedAt: Now(),
		}))

		md, err := s.GetDocumentMetadata(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "en", md.Attributes["language"])

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.DocumentMetadata)
	})

	t.Run("reset", func(t *testing.T) {
		s := newStore(t)
		doc := models.NewDocumentID()
		require.NoError(t, s.AppendHistory(ctx, entry(doc, models.AnnotationID{}, models.ActionSchemaCreated, Now())))
		require.NoError(t, s.Reset(ctx))

		got, err := s.History(ctx, doc)
		require.NoError(t, err)
		assert.Empty(t, got)
		require.NoError(t, s.Ping(ctx))
	})
}

// IsTransient fails the test unless err is a transient store error.
func IsTransient(t *testing.T, err error) {
	t.Helper()
	var te *store.TransientStoreError
	if !errors.As(err, &te) {
		t.Fatalf("expected a transient store error, got %v", err)
	}
}
