// Package surrealdb provides the DocumentStore on SurrealDB.
//
// Records are keyed by the typed IDs assigned in the MetadataStore, which
// marshal to SurrealDB RecordIDs through CBOR. Every write is an UPSERT on
// that RecordID, and history is appended with INSERT IGNORE, so replaying a
// write during reconciliation leaves the store unchanged.
//
// All queries are parameterised; values are never interpolated into
// SurrealQL.
//
// Every error this package returns is a [store.TransientStoreError].
package surrealdb

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

const (
	tableSchemas     = "annotation_schemas"
	tableAnnotations = "annotations"
	tableHistory     = "annotation_history"
	tableMetadata    = "document_metadata"
)

// Store is a store.DocumentStore on SurrealDB.
type Store struct {
	db       *surrealdb.DB
	ns       string
	database string
}

var _ store.DocumentStore = (*Store)(nil)

// Config holds connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// New connects over WebSocket with the surrealcbor codec, signs in when
// credentials are set, and selects the namespace and database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	conf := connection.NewConfig(u)
	// surrealcbor encodes time.Time as a SurrealDB datetime and keeps
	// RecordIDs intact.
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	conn := gorillaws.New(conf)

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, store.Transient("connect", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(context.Background())
			return nil, store.Transient("authenticate", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(context.Background())
		return nil, store.Transient("use namespace/database", err)
	}

	return &Store{db: db, ns: cfg.Namespace, database: cfg.Database}, nil
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := surrealdb.Query[bool](ctx, s.db, "RETURN true", nil)
	return store.Transient("ping", err)
}

// InitIndexes defines the lookup indexes. Safe to run repeatedly.
func (s *Store) InitIndexes(ctx context.Context) error {
	stmts := []string{
		"DEFINE INDEX IF NOT EXISTS idx_schemas_document ON TABLE " + tableSchemas + " COLUMNS document_id, version",
		"DEFINE INDEX IF NOT EXISTS idx_annotations_document ON TABLE " + tableAnnotations + " COLUMNS document_id",
		"DEFINE INDEX IF NOT EXISTS idx_history_document ON TABLE " + tableHistory + " COLUMNS document_id, timestamp",
		"DEFINE INDEX IF NOT EXISTS idx_history_annotation ON TABLE " + tableHistory + " COLUMNS annotation_id",
	}
	_, err := surrealdb.Query[any](ctx, s.db, strings.Join(stmts, ";\n"), nil)
	return store.Transient("init indexes", err)
}

func (s *Store) UpsertSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	_, err := surrealdb.Query[any](ctx, s.db, "UPSERT $id CONTENT $data", map[string]any{
		"id":   schema.ID,
		"data": schema,
	})
	return store.Transient("upsert schema", err)
}

// upsertAnnotation leaves a stored payload with a higher version alone.
const upsertAnnotation = `LET $current = (SELECT VALUE version FROM ONLY $id);
IF $current = NONE OR $current <= $data.version { UPSERT $id CONTENT $data };`

func (s *Store) UpsertAnnotation(ctx context.Context, p *models.AnnotationPayload) error {
	_, err := surrealdb.Query[any](ctx, s.db, upsertAnnotation, map[string]any{
		"id":   p.ID,
		"data": p,
	})
	return store.Transient("upsert annotation", err)
}

func (s *Store) GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.AnnotationPayload, error) {
	result, err := surrealdb.Query[[]models.AnnotationPayload](ctx, s.db, "SELECT * FROM $id", map[string]any{
		"id": id,
	})
	if err != nil {
		return nil, store.Transient("get annotation", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return nil, store.ErrNotFound
	}
	p := (*result)[0].Result[0]
	return &p, nil
}

func (s *Store) AppendHistory(ctx context.Context, entries ...models.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := surrealdb.Query[any](ctx, s.db, "INSERT IGNORE INTO "+tableHistory+" $entries", map[string]any{
		"entries": entries,
	})
	return store.Transient("append history", err)
}

func (s *Store) History(ctx context.Context, documentID models.DocumentID) ([]models.HistoryEntry, error) {
	query := "SELECT * FROM " + tableHistory + " WHERE document_id = $document ORDER BY timestamp ASC"
	result, err := surrealdb.Query[[]models.HistoryEntry](ctx, s.db, query, map[string]any{
		"document": documentID,
	})
	if err != nil {
		return nil, store.Transient("history", err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}
	return (*result)[0].Result, nil
}

func (s *Store) SaveDocumentMetadata(ctx context.Context, md *models.DocumentMetadata) error {
	query := "UPSERT type::thing($table, $key) CONTENT $data"
	_, err := surrealdb.Query[any](ctx, s.db, query, map[string]any{
		"table": tableMetadata,
		"key":   md.DocumentID.String(),
		"data":  md,
	})
	return store.Transient("save document metadata", err)
}

func (s *Store) GetDocumentMetadata(ctx context.Context, documentID models.DocumentID) (*models.DocumentMetadata, error) {
	query := "SELECT document_id, attributes, updated_at FROM type::thing($table, $key)"
	result, err := surrealdb.Query[[]models.DocumentMetadata](ctx, s.db, query, map[string]any{
		"table": tableMetadata,
		"key":   documentID.String(),
	})
	if err != nil {
		return nil, store.Transient("get document metadata", err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return nil, store.ErrNotFound
	}
	md := (*result)[0].Result[0]
	return &md, nil
}

func (s *Store) Stats(ctx context.Context) (*store.DocumentStats, error) {
	stats := &store.DocumentStats{}
	for _, c := range []struct {
		table string
		dest  *int64
	}{
		{tableSchemas, &stats.Schemas},
		{tableAnnotations, &stats.Annotations},
		{tableHistory, &stats.HistoryEntries},
		{tableMetadata, &stats.DocumentMetadata},
	} {
		n, err := s.count(ctx, c.table)
		if err != nil {
			return nil, err
		}
		*c.dest = n
	}
	return stats, nil
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	type row struct {
		Count int64 `json:"count"`
	}
	result, err := surrealdb.Query[[]row](ctx, s.db, "SELECT count() AS count FROM type::table($table) GROUP ALL", map[string]any{
		"table": table,
	})
	if err != nil {
		return 0, store.Transient("count "+table, err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return 0, nil
	}
	return (*result)[0].Result[0].Count, nil
}

// Reset deletes every record this store owns. Index definitions stay.
func (s *Store) Reset(ctx context.Context) error {
	stmts := make([]string, 0, 4)
	for _, t := range []string{tableSchemas, tableAnnotations, tableHistory, tableMetadata} {
		stmts = append(stmts, "DELETE "+t)
	}
	_, err := surrealdb.Query[any](ctx, s.db, strings.Join(stmts, ";\n"), nil)
	return store.Transient("reset", err)
}
