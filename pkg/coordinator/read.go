package coordinator

import (
	"context"
	"errors"
	"sort"

	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Status values reported by GetCombinedStatistics.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// AnnotationView is an annotation as read through the coordinator.
type AnnotationView struct {
	Annotation *models.Annotation       `json:"annotation"`
	Schema     *models.AnnotationSchema `json:"schema"`
	History    []models.HistoryEntry    `json:"history"`
	Metadata   *models.DocumentMetadata `json:"metadata,omitempty"`
	// Degraded is set when the DocumentStore part could not be merged and
	// only the MetadataStore projection is returned.
	Degraded bool `json:"degraded"`
}

// HistoryResult is a document's history, oldest first.
type HistoryResult struct {
	Entries []models.HistoryEntry `json:"entries"`
	// Degraded is set when only entries still queued for replication
	// could be returned.
	Degraded bool `json:"degraded"`
}

// Statistics combines the counts of both stores.
type Statistics struct {
	Metadata  *store.MetadataStats `json:"metadata"`
	Documents *store.DocumentStats `json:"documents,omitempty"`
	Breaker   string               `json:"breaker"`
	Status    string               `json:"status"`
}

// ReadAnnotation returns the document's annotation with its schema,
// history and extended metadata. Field values always come from the
// MetadataStore snapshot; the DocumentStore payload is only used when it
// is at the same version, and only for fields the snapshot has.
func (c *Coordinator) ReadAnnotation(ctx context.Context, documentID models.DocumentID) (*AnnotationView, error) {
	a, err := c.meta.GetAnnotationByDocument(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("get annotation", err)
	}
	schema, err := c.meta.GetSchema(ctx, a.SchemaID)
	if err != nil {
		return nil, store.Permanent("get schema", err)
	}
	pending, err := c.pendingHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	view := &AnnotationView{Annotation: a, Schema: schema, History: pending, Degraded: true}

	if !c.breaker.Allow() {
		return view, nil
	}
	merged, err := c.readDocumentSide(ctx, a, pending)
	if err != nil {
		if store.IsTransient(err) {
			c.recordFailure(ctx)
		} else {
			c.breaker.RecordSuccess()
		}
		c.logger.Warn().Err(err).Str("document", documentID.String()).Msg("returning metadata-only annotation")
		return view, nil
	}
	c.breaker.RecordSuccess()
	merged.Schema = schema
	return merged, nil
}

func (c *Coordinator) readDocumentSide(ctx context.Context, a *models.Annotation, pending []models.HistoryEntry) (*AnnotationView, error) {
	out := *a
	out.Values = a.Values.Clone()
	view := &AnnotationView{Annotation: &out}

	payload, err := c.docs.GetAnnotation(ctx, a.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Not replicated yet; the snapshot stands on its own.
	case err != nil:
		return nil, err
	case payload.Version == a.Version:
		for k, v := range payload.Values {
			if _, ok := out.Values[k]; ok {
				out.Values[k] = v
			}
		}
	}

	history, err := c.docs.History(ctx, a.DocumentID)
	if err != nil {
		return nil, err
	}
	view.History = mergeHistory(history, pending)

	md, err := c.docs.GetDocumentMetadata(ctx, a.DocumentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		view.Metadata = md
	}
	return view, nil
}

// GetHistory returns the document's history: replicated entries merged
// with entries still waiting in the outbox.
func (c *Coordinator) GetHistory(ctx context.Context, documentID models.DocumentID) (*HistoryResult, error) {
	pending, err := c.pendingHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !c.breaker.Allow() {
		return &HistoryResult{Entries: pending, Degraded: true}, nil
	}
	stored, err := c.docs.History(ctx, documentID)
	if err != nil {
		c.recordFailure(ctx)
		c.logger.Warn().Err(err).Str("document", documentID.String()).Msg("returning queued history only")
		return &HistoryResult{Entries: pending, Degraded: true}, nil
	}
	c.breaker.RecordSuccess()
	return &HistoryResult{Entries: mergeHistory(stored, pending)}, nil
}

func (c *Coordinator) pendingHistory(ctx context.Context, documentID models.DocumentID) ([]models.HistoryEntry, error) {
	tasks, err := c.meta.ListSyncTasks(ctx, documentID)
	if err != nil {
		return nil, store.Permanent("list sync tasks", err)
	}
	var entries []models.HistoryEntry
	for _, t := range tasks {
		entries = append(entries, t.History...)
	}
	return mergeHistory(entries), nil
}

// mergeHistory deduplicates by ID and orders by timestamp, then ID.
func mergeHistory(sets ...[]models.HistoryEntry) []models.HistoryEntry {
	seen := map[models.HistoryID]bool{}
	out := []models.HistoryEntry{}
	for _, set := range sets {
		for _, e := range set {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GetCombinedStatistics counts both stores. Status is degraded while the
// breaker is not closed, the DocumentStore cannot be counted, or any
// entity is waiting for replication.
func (c *Coordinator) GetCombinedStatistics(ctx context.Context) (*Statistics, error) {
	ms, err := c.meta.Stats(ctx)
	if err != nil {
		return nil, store.Permanent("metadata stats", err)
	}
	stats := &Statistics{Metadata: ms, Status: StatusHealthy}

	if c.breaker.Allow() {
		ds, err := c.docs.Stats(ctx)
		if err != nil {
			c.recordFailure(ctx)
			c.logger.Warn().Err(err).Msg("document store stats unavailable")
		} else {
			c.breaker.RecordSuccess()
			stats.Documents = ds
		}
	}

	state := c.breaker.State()
	stats.Breaker = state.String()
	if state != health.Closed ||
		stats.Documents == nil ||
		ms.PendingTasks > 0 ||
		ms.SyncStates[models.SyncPending] > 0 ||
		ms.SyncStates[models.SyncDegradedLocalOnly] > 0 {
		stats.Status = StatusDegraded
	}
	return stats, nil
}
