package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// deferTimeout bounds recording a failed inline push.
const deferTimeout = 5 * time.Second

// WriteOption tags a created schema or annotation.
type WriteOption func(*writeOptions)

type writeOptions struct {
	aiGenerated bool
	fallback    bool
	storage     models.StorageLocation
}

// AIGenerated marks the entity as produced by the inference client.
// fallback records that at least one inference step fell back.
func AIGenerated(fallback bool) WriteOption {
	return func(o *writeOptions) {
		o.aiGenerated = true
		o.fallback = fallback
	}
}

// MetadataOnly keeps a schema body out of the DocumentStore. Its history
// is still replicated.
func MetadataOnly() WriteOption {
	return func(o *writeOptions) { o.storage = models.StorageMetadataOnly }
}

func applyOptions(opts []WriteOption) writeOptions {
	o := writeOptions{storage: models.StorageDual}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// RegisterDocument records a document's identity in the MetadataStore.
func (c *Coordinator) RegisterDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID.IsZero() {
		doc.ID = models.NewDocumentID()
	}
	now := c.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	return store.Permanent("create document", c.meta.CreateDocument(ctx, doc))
}

// CreateSchema validates body and stores it as the document's next schema
// version.
func (c *Coordinator) CreateSchema(ctx context.Context, documentID models.DocumentID, body models.SchemaBody, actor string, opts ...WriteOption) (*models.AnnotationSchema, error) {
	o := applyOptions(opts)
	body, _, err := c.validator.ValidateSchema(body)
	if err != nil {
		return nil, err
	}
	if _, err := c.meta.GetDocument(ctx, documentID); err != nil {
		return nil, store.Permanent("get document", err)
	}

	version := 1
	active, err := c.meta.GetActiveSchema(ctx, documentID)
	switch {
	case err == nil:
		version = active.Version + 1
	case !errors.Is(err, store.ErrNotFound):
		return nil, store.Permanent("get active schema", err)
	}

	now := c.now()
	schema := &models.AnnotationSchema{
		ID:          models.NewSchemaID(),
		DocumentID:  documentID,
		Version:     version,
		Name:        body.Name,
		Description: body.Description,
		Fields:      body.Fields,
		Storage:     o.storage,
		SyncState:   c.initialState(),
		AIGenerated: o.aiGenerated,
		Fallback:    o.fallback,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := models.HistoryEntry{
		ID:          models.NewHistoryID(),
		DocumentID:  documentID,
		Action:      models.ActionSchemaCreated,
		PerformedBy: actor,
		NewValue:    map[string]any{"schema_id": schema.ID.String(), "version": version, "fields": len(body.Fields)},
		Comment:     body.Name,
		Timestamp:   now,
	}
	task := c.newTask(models.EntitySchema, schema.ID.String(), documentID, now, entry)

	if err := c.meta.CreateSchema(ctx, schema, task); err != nil {
		return nil, store.Permanent("create schema", err)
	}
	schema.SyncState = c.replicate(ctx, task, schema, schema.SyncState)
	return schema, nil
}

// GetActiveSchema returns the document's highest schema version.
func (c *Coordinator) GetActiveSchema(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error) {
	schema, err := c.meta.GetActiveSchema(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get active schema", err)
	}
	return schema, nil
}

// CreateAnnotation creates the document's draft annotation against its
// active schema. Values are normalised; required fields may be missing.
func (c *Coordinator) CreateAnnotation(ctx context.Context, documentID models.DocumentID, values models.JSONMap, actor string, opts ...WriteOption) (*models.Annotation, error) {
	o := applyOptions(opts)
	schema, err := c.meta.GetActiveSchema(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get active schema", err)
	}
	existing, err := c.meta.GetAnnotationByDocument(ctx, documentID)
	switch {
	case err == nil:
		return nil, &store.ConflictError{Entity: "annotation", ID: existing.ID.String(), Expected: 0, Actual: existing.Version}
	case !errors.Is(err, store.ErrNotFound):
		return nil, store.Permanent("get annotation", err)
	}

	values, _ = c.validator.ValidateDraft(values, schema.Fields)
	now := c.now()
	a := &models.Annotation{
		ID:            models.NewAnnotationID(),
		DocumentID:    documentID,
		SchemaID:      schema.ID,
		SchemaVersion: schema.Version,
		Status:        models.StatusDraft,
		Values:        values,
		Version:       1,
		SyncState:     c.initialState(),
		AIGenerated:   o.aiGenerated,
		Fallback:      o.fallback,
		AnnotatedBy:   actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry := models.HistoryEntry{
		ID:           models.NewHistoryID(),
		AnnotationID: a.ID,
		DocumentID:   documentID,
		Action:       models.ActionCreated,
		PerformedBy:  actor,
		NewValue:     map[string]any(values.Clone()),
		Timestamp:    now,
	}
	task := c.newTask(models.EntityAnnotation, a.ID.String(), documentID, now, entry)

	if err := c.meta.CreateAnnotation(ctx, a, task); err != nil {
		return nil, store.Permanent("create annotation", err)
	}
	a.SyncState = c.replicate(ctx, task, a, a.SyncState)
	return a, nil
}

// GetAnnotation returns the document's annotation as stored in the
// MetadataStore.
func (c *Coordinator) GetAnnotation(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error) {
	a, err := c.meta.GetAnnotationByDocument(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get annotation", err)
	}
	return a, nil
}

// UpdateField sets one field of the document's annotation. The write is
// rejected with a *store.ConflictError unless expectedVersion is the
// stored version; the returned annotation carries the new version.
// AIGenerated flags the annotation; a recorded fallback is kept.
func (c *Coordinator) UpdateField(ctx context.Context, documentID models.DocumentID, field string, value any, expectedVersion int, actor string, opts ...WriteOption) (*models.Annotation, error) {
	o := applyOptions(opts)
	return c.mutate(ctx, documentID, expectedVersion, o, func(a *models.Annotation, schema *models.AnnotationSchema, now time.Time) (models.HistoryEntry, error) {
		if a.Status == models.StatusCommitted {
			return models.HistoryEntry{}, &store.ValidationError{Fields: []string{field}, Message: "annotation is committed"}
		}
		fd, ok := schema.Fields.Lookup(field)
		if !ok {
			return models.HistoryEntry{}, &store.ValidationError{Fields: []string{field}, Message: "field not in active schema"}
		}
		val, err := c.validator.ValidateValue(fd, value)
		if err != nil {
			return models.HistoryEntry{}, err
		}

		old := a.Values[field]
		values := a.Values.Clone()
		if values == nil {
			values = models.JSONMap{}
		}
		if val == nil {
			delete(values, field)
		} else {
			values[field] = val
		}
		a.Values = values
		a.SchemaID = schema.ID
		a.SchemaVersion = schema.Version

		return models.HistoryEntry{
			Action:    models.ActionFieldUpdated,
			FieldName: field,
			OldValue:  old,
			NewValue:  val,
		}, nil
	}, actor)
}

// FlagAIGenerated records a model run against the document's annotation
// that wrote no values, so the stored annotation shows it was AI
// generated and whether the run fell back.
func (c *Coordinator) FlagAIGenerated(ctx context.Context, documentID models.DocumentID, fallback bool, expectedVersion int, actor string) (*models.Annotation, error) {
	return c.mutate(ctx, documentID, expectedVersion, applyOptions([]WriteOption{AIGenerated(fallback)}), func(a *models.Annotation, _ *models.AnnotationSchema, _ time.Time) (models.HistoryEntry, error) {
		if a.Status == models.StatusCommitted {
			return models.HistoryEntry{}, &store.ValidationError{Message: "annotation is committed"}
		}
		return models.HistoryEntry{
			Action:   models.ActionAIFlagged,
			NewValue: map[string]any{"fallback": fallback},
		}, nil
	}, actor)
}

// ValidateAnnotation moves a draft to validated once every required field
// is present.
func (c *Coordinator) ValidateAnnotation(ctx context.Context, documentID models.DocumentID, expectedVersion int, actor, notes string) (*models.Annotation, error) {
	return c.mutate(ctx, documentID, expectedVersion, writeOptions{}, func(a *models.Annotation, schema *models.AnnotationSchema, now time.Time) (models.HistoryEntry, error) {
		if a.Status != models.StatusDraft {
			return models.HistoryEntry{}, &store.ValidationError{Message: fmt.Sprintf("annotation is %s, not %s", a.Status, models.StatusDraft)}
		}
		values, _, err := c.validator.ValidateAnnotation(a.Values, schema.Fields)
		if err != nil {
			return models.HistoryEntry{}, err
		}
		a.Values = values
		a.Status = models.StatusValidated
		a.ValidatedBy = actor
		a.ValidationNotes = notes
		a.ValidatedAt = &now
		return models.HistoryEntry{
			Action:   models.ActionValidated,
			OldValue: string(models.StatusDraft),
			NewValue: string(models.StatusValidated),
			Comment:  notes,
		}, nil
	}, actor)
}

// CommitAnnotation moves a validated annotation to committed.
func (c *Coordinator) CommitAnnotation(ctx context.Context, documentID models.DocumentID, expectedVersion int, actor string) (*models.Annotation, error) {
	return c.mutate(ctx, documentID, expectedVersion, writeOptions{}, func(a *models.Annotation, _ *models.AnnotationSchema, _ time.Time) (models.HistoryEntry, error) {
		if a.Status != models.StatusValidated {
			return models.HistoryEntry{}, &store.ValidationError{Message: fmt.Sprintf("annotation is %s, not %s", a.Status, models.StatusValidated)}
		}
		a.Status = models.StatusCommitted
		return models.HistoryEntry{
			Action:   models.ActionCommitted,
			OldValue: string(models.StatusValidated),
			NewValue: string(models.StatusCommitted),
		}, nil
	}, actor)
}

type mutation func(a *models.Annotation, schema *models.AnnotationSchema, now time.Time) (models.HistoryEntry, error)

// mutate applies fn to the stored annotation and writes it back under an
// optimistic version check. fn returns the history entry to record; its
// identity fields are filled in here. An AIGenerated option sets the
// annotation's flags; a fallback already recorded stays recorded.
func (c *Coordinator) mutate(ctx context.Context, documentID models.DocumentID, expectedVersion int, o writeOptions, fn mutation, actor string) (*models.Annotation, error) {
	a, err := c.meta.GetAnnotationByDocument(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get annotation", err)
	}
	if a.Version != expectedVersion {
		return nil, &store.ConflictError{Entity: "annotation", ID: a.ID.String(), Expected: expectedVersion, Actual: a.Version}
	}
	schema, err := c.meta.GetActiveSchema(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get active schema", err)
	}

	now := c.now()
	entry, err := fn(a, schema, now)
	if err != nil {
		return nil, err
	}
	if o.aiGenerated {
		a.AIGenerated = true
		a.Fallback = a.Fallback || o.fallback
	}
	entry.ID = models.NewHistoryID()
	entry.AnnotationID = a.ID
	entry.DocumentID = documentID
	entry.PerformedBy = actor
	entry.Timestamp = now

	a.SyncState = c.initialState()
	a.UpdatedAt = now
	task := c.newTask(models.EntityAnnotation, a.ID.String(), documentID, now, entry)
	if err := c.meta.UpdateAnnotation(ctx, a, expectedVersion, task); err != nil {
		return nil, store.Permanent("update annotation", err)
	}
	a.SyncState = c.replicate(ctx, task, a, a.SyncState)
	return a, nil
}

// SaveDocumentMetadata stores extended attributes for a document. They
// live only in the DocumentStore, so the write is queued like any other and
// is not visible until replicated.
func (c *Coordinator) SaveDocumentMetadata(ctx context.Context, documentID models.DocumentID, attributes models.JSONMap) (models.SyncState, error) {
	if _, err := c.meta.GetDocument(ctx, documentID); err != nil {
		return "", store.Permanent("get document", err)
	}
	now := c.now()
	md := &models.DocumentMetadata{DocumentID: documentID, Attributes: attributes.Clone(), UpdatedAt: now}
	task := c.newTask(models.EntityDocumentMetadata, documentID.String(), documentID, now)
	task.Payload = md.Attributes
	if err := c.meta.EnqueueSync(ctx, task); err != nil {
		return "", store.Permanent("enqueue document metadata", err)
	}
	return c.replicate(ctx, task, md, c.initialState()), nil
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Coordinator) newTask(kind models.EntityKind, id string, documentID models.DocumentID, now time.Time, history ...models.HistoryEntry) *models.SyncTask {
	return &models.SyncTask{
		EntityKind:    kind,
		EntityID:      id,
		DocumentID:    documentID,
		NextAttemptAt: now,
		History:       history,
	}
}

// initialState is the sync state a new write is stored with. It does not
// admit a breaker trial.
func (c *Coordinator) initialState() models.SyncState {
	if c.breaker.State() == health.Open {
		return models.SyncDegradedLocalOnly
	}
	return models.SyncPending
}

// replicate pushes a committed write to the DocumentStore when the
// breaker allows it and returns the entity's resulting sync state.
// Failures leave the task queued for the next sweep.
func (c *Coordinator) replicate(ctx context.Context, task *models.SyncTask, entity any, state models.SyncState) models.SyncState {
	if state == models.SyncDegradedLocalOnly || !c.breaker.Allow() {
		c.logger.Debug().Str("entity", string(task.EntityKind)).Str("id", task.EntityID).Msg("document store unavailable, write queued")
		return state
	}

	if err := c.push(ctx, task, entity); err != nil {
		c.recordFailure(ctx)
		c.metrics.DocumentStoreWrite(string(task.EntityKind), false)
		c.logger.Warn().Err(err).Str("entity", string(task.EntityKind)).Str("id", task.EntityID).Msg("document store write failed, queued for reconciliation")
		task.LastError = err.Error()
		// The caller's context may be the reason the push failed.
		deferCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deferTimeout)
		defer cancel()
		if err := c.meta.DeferSyncTask(deferCtx, task); err != nil {
			c.logger.Error().Err(err).Uint64("task", task.ID).Msg("recording sync failure")
		}
		return models.SyncPending
	}
	c.breaker.RecordSuccess()
	c.metrics.DocumentStoreWrite(string(task.EntityKind), true)

	done, err := c.meta.CompleteSyncTask(ctx, task)
	if err != nil {
		c.logger.Error().Err(err).Uint64("task", task.ID).Msg("completing sync task")
		return models.SyncPending
	}
	if !done {
		return models.SyncPending
	}
	return models.SyncSynced
}

// recordFailure reports a failed DocumentStore call to the breaker. A call
// that failed because ctx ended first says nothing about the DocumentStore
// and is released instead.
func (c *Coordinator) recordFailure(ctx context.Context) {
	if ctx.Err() != nil {
		c.breaker.Release()
		return
	}
	c.breaker.RecordFailure()
}

// push writes entity and the task's history to the DocumentStore.
func (c *Coordinator) push(ctx context.Context, task *models.SyncTask, entity any) error {
	var err error
	switch e := entity.(type) {
	case *models.AnnotationSchema:
		if e.Storage != models.StorageMetadataOnly {
			err = c.docs.UpsertSchema(ctx, e)
		}
	case *models.Annotation:
		err = c.docs.UpsertAnnotation(ctx, models.PayloadOf(e))
	case *models.DocumentMetadata:
		err = c.docs.SaveDocumentMetadata(ctx, e)
	case nil:
	default:
		return fmt.Errorf("cannot replicate %T", entity)
	}
	if err != nil {
		return err
	}
	if len(task.History) > 0 {
		return c.docs.AppendHistory(ctx, task.History...)
	}
	return nil
}
