// Package memstore provides an in-memory DocumentStore whose
// reachability can be switched off, for tests and local runs.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// ErrUnreachable is wrapped in every error returned while the store is
// switched off.
var ErrUnreachable = errors.New("document store unreachable")

// DocumentStore is a goroutine-safe in-memory store.DocumentStore.
type DocumentStore struct {
	mu          sync.RWMutex
	unreachable bool
	failNext    int

	schemas     map[models.SchemaID]*models.AnnotationSchema
	annotations map[models.AnnotationID]*models.AnnotationPayload
	history     map[models.HistoryID]models.HistoryEntry
	metadata    map[models.DocumentID]*models.DocumentMetadata

	writes int
}

var _ store.DocumentStore = (*DocumentStore)(nil)

func New() *DocumentStore {
	s := &DocumentStore{}
	s.clear()
	return s
}

func (s *DocumentStore) clear() {
	s.schemas = map[models.SchemaID]*models.AnnotationSchema{}
	s.annotations = map[models.AnnotationID]*models.AnnotationPayload{}
	s.history = map[models.HistoryID]models.HistoryEntry{}
	s.metadata = map[models.DocumentID]*models.DocumentMetadata{}
}

// SetUnreachable makes every call fail until it is switched back.
func (s *DocumentStore) SetUnreachable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = v
}

// FailNext makes the next n calls fail.
func (s *DocumentStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Writes returns the number of successful write calls so far.
func (s *DocumentStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// check must be called with mu held for writing.
func (s *DocumentStore) check(op string) error {
	if s.unreachable {
		return store.Transient(op, ErrUnreachable)
	}
	if s.failNext > 0 {
		s.failNext--
		return store.Transient(op, ErrUnreachable)
	}
	return nil
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping")
}

func (s *DocumentStore) InitIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("init indexes")
}

func (s *DocumentStore) Close() error { return nil }

func (s *DocumentStore) UpsertSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert schema"); err != nil {
		return err
	}
	cp := *schema
	cp.Fields = append(models.FieldDefinitions(nil), schema.Fields...)
	s.schemas[schema.ID] = &cp
	s.writes++
	return nil
}

func (s *DocumentStore) UpsertAnnotation(ctx context.Context, p *models.AnnotationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert annotation"); err != nil {
		return err
	}
	s.writes++
	if cur, ok := s.annotations[p.ID]; ok && cur.Version > p.Version {
		return nil
	}
	cp := *p
	cp.Values = p.Values.Clone()
	s.annotations[p.ID] = &cp
	return nil
}

func (s *DocumentStore) GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.AnnotationPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get annotation"); err != nil {
		return nil, err
	}
	p, ok := s.annotations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.Values = p.Values.Clone()
	return &cp, nil
}

// Schema returns the stored schema body, for assertions.
func (s *DocumentStore) Schema(id models.SchemaID) (*models.AnnotationSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[id]
	return sc, ok
}

func (s *DocumentStore) AppendHistory(ctx context.Context, entries ...models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append history"); err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := s.history[e.ID]; ok {
			continue
		}
		s.history[e.ID] = e
	}
	s.writes++
	return nil
}

func (s *DocumentStore) History(ctx context.Context, documentID models.DocumentID) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("history"); err != nil {
		return nil, err
	}
	var out []models.HistoryEntry
	for _, e := range s.history {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *DocumentStore) SaveDocumentMetadata(ctx context.Context, md *models.DocumentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("save document metadata"); err != nil {
		return err
	}
	cp := *md
	cp.Attributes = md.Attributes.Clone()
	s.metadata[md.DocumentID] = &cp
	s.writes++
	return nil
}

func (s *DocumentStore) GetDocumentMetadata(ctx context.Context, documentID models.DocumentID) (*models.DocumentMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get document metadata"); err != nil {
		return nil, err
	}
	md, ok := s.metadata[documentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *md
	cp.Attributes = md.Attributes.Clone()
	return &cp, nil
}

func (s *DocumentStore) Stats(ctx context.Context) (*store.DocumentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("stats"); err != nil {
		return nil, err
	}
	return &store.DocumentStats{
		Schemas:          int64(len(s.schemas)),
		Annotations:      int64(len(s.annotations)),
		HistoryEntries:   int64(len(s.history)),
		DocumentMetadata: int64(len(s.metadata)),
	}, nil
}

func (s *DocumentStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("reset"); err != nil {
		return err
	}
	s.clear()
	return nil
}
