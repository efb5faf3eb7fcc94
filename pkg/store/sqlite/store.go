// Package sqlite provides an embedded MetadataStore on SQLite, using the
// pure-Go modernc.org/sqlite driver through database/sql.
//
// Timestamps are stored as unix nanoseconds so that due sync tasks can be
// selected with a plain integer comparison.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/sqlite/migrations"
)

// Store is a SQLite-backed store.MetadataStore.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.MetadataStore = (*Store)(nil)

// New opens (creating if needed) the database file at path and runs the
// embedded migrations.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and avoids SQLITE_BUSY on
	// lock upgrades inside transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate is idempotent; New already applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(migrations.FS)
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// ==================== Documents ====================

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID.IsZero() {
		doc.ID = models.NewDocumentID()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, file_type, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Title, doc.FileType, doc.OwnerID, nanos(doc.CreatedAt), nanos(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("creating document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, file_type, owner_id, created_at, updated_at
		FROM documents WHERE id = ?
	`, id)

	var (
		doc                  models.Document
		createdAt, updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.FileType, &doc.OwnerID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	doc.CreatedAt, doc.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &doc, nil
}

// ==================== Schemas ====================

const schemaColumns = `id, document_id, version, name, description, fields, storage, sync_state,
	ai_generated, fallback, created_by, created_at, updated_at`

func (s *Store) CreateSchema(ctx context.Context, schema *models.AnnotationSchema, task *models.SyncTask) error {
	if schema.ID.IsZero() {
		schema.ID = models.NewSchemaID()
	}
	now := time.Now().UTC()
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = now
	}
	if schema.UpdatedAt.IsZero() {
		schema.UpdatedAt = schema.CreatedAt
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO annotation_schemas (`+schemaColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			schema.ID, schema.DocumentID, schema.Version, schema.Name, schema.Description,
			schema.Fields, string(schema.Storage), string(schema.SyncState),
			schema.AIGenerated, schema.Fallback, schema.CreatedBy,
			nanos(schema.CreatedAt), nanos(schema.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return &store.ConflictError{Entity: "schema", ID: schema.DocumentID.String(), Expected: schema.Version - 1}
			}
			return fmt.Errorf("creating schema: %w", err)
		}
		return enqueueTx(ctx, tx, task)
	})
}

func (s *Store) GetSchema(ctx context.Context, id models.SchemaID) (*models.AnnotationSchema, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+schemaColumns+` FROM annotation_schemas WHERE id = ?`, id)
	return scanSchema(row)
}

func (s *Store) GetActiveSchema(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+schemaColumns+` FROM annotation_schemas
		WHERE document_id = ? ORDER BY version DESC LIMIT 1`, documentID)
	return scanSchema(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchema(row rowScanner) (*models.AnnotationSchema, error) {
	var (
		sc                   models.AnnotationSchema
		storage, state       string
		createdAt, updatedAt int64
	)
	err := row.Scan(&sc.ID, &sc.DocumentID, &sc.Version, &sc.Name, &sc.Description, &sc.Fields,
		&storage, &state, &sc.AIGenerated, &sc.Fallback, &sc.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schema: %w", err)
	}
	sc.Storage = models.StorageLocation(storage)
	sc.SyncState = models.SyncState(state)
	sc.CreatedAt, sc.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &sc, nil
}

// ==================== Annotations ====================

const annotationColumns = `id, document_id, schema_id, schema_version, status, vals, version, sync_state,
	ai_generated, fallback, annotated_by, validated_by, validation_notes, created_at, updated_at, validated_at`

func (s *Store) CreateAnnotation(ctx context.Context, a *models.Annotation, task *models.SyncTask) error {
	if a.ID.IsZero() {
		a.ID = models.NewAnnotationID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Version == 0 {
		a.Version = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO annotations (`+annotationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.DocumentID, a.SchemaID, a.SchemaVersion, string(a.Status), a.Values, a.Version,
			string(a.SyncState), a.AIGenerated, a.Fallback, a.AnnotatedBy, a.ValidatedBy,
			a.ValidationNotes, nanos(a.CreatedAt), nanos(a.UpdatedAt), nullNanos(a.ValidatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return &store.ConflictError{Entity: "annotation", ID: a.DocumentID.String(), Expected: 0}
			}
			return fmt.Errorf("creating annotation: %w", err)
		}
		return enqueueTx(ctx, tx, task)
	})
}

func (s *Store) GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id = ?`, id)
	return scanAnnotation(row)
}

func (s *Store) GetAnnotationByDocument(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE document_id = ?`, documentID)
	return scanAnnotation(row)
}

func scanAnnotation(row rowScanner) (*models.Annotation, error) {
	var (
		a                    models.Annotation
		status, state        string
		createdAt, updatedAt int64
		validatedAt          sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.DocumentID, &a.SchemaID, &a.SchemaVersion, &status, &a.Values, &a.Version,
		&state, &a.AIGenerated, &a.Fallback, &a.AnnotatedBy, &a.ValidatedBy, &a.ValidationNotes,
		&createdAt, &updatedAt, &validatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning annotation: %w", err)
	}
	a.Status = models.AnnotationStatus(status)
	a.SyncState = models.SyncState(state)
	a.CreatedAt, a.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	if validatedAt.Valid {
		t := fromNanos(validatedAt.Int64)
		a.ValidatedAt = &t
	}
	return &a, nil
}

func (s *Store) UpdateAnnotation(ctx context.Context, a *models.Annotation, expectedVersion int, task *models.SyncTask) error {
	now := a.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE annotations SET
				schema_id = ?, schema_version = ?, status = ?, vals = ?, version = ?, sync_state = ?,
				ai_generated = ?, fallback = ?, annotated_by = ?, validated_by = ?, validation_notes = ?,
				updated_at = ?, validated_at = ?
			WHERE id = ? AND version = ?
		`, a.SchemaID, a.SchemaVersion, string(a.Status), a.Values, expectedVersion+1, string(a.SyncState),
			a.AIGenerated, a.Fallback, a.AnnotatedBy, a.ValidatedBy, a.ValidationNotes,
			nanos(now), nullNanos(a.ValidatedAt), a.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("updating annotation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating annotation: %w", err)
		}
		if n == 0 {
			var current int
			err := tx.QueryRowContext(ctx, "SELECT version FROM annotations WHERE id = ?", a.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("reading annotation version: %w", err)
			}
			return &store.ConflictError{Entity: "annotation", ID: a.ID.String(), Expected: expectedVersion, Actual: current}
		}
		if err := enqueueTx(ctx, tx, task); err != nil {
			return err
		}
		a.Version = expectedVersion + 1
		a.UpdatedAt = now
		return nil
	})
}

// ==================== Sync tasks ====================

const taskColumns = `id, entity_kind, entity_id, document_id, revision, attempts, last_error,
	next_attempt_at, history, payload, created_at, updated_at`

func (s *Store) EnqueueSync(ctx context.Context, task *models.SyncTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, task)
	})
}

// enqueueTx merges task into the stored task for the same entity.
func enqueueTx(ctx context.Context, tx *sql.Tx, task *models.SyncTask) error {
	if task == nil {
		return nil
	}
	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks
		WHERE entity_kind = ? AND entity_id = ?`, string(task.EntityKind), task.EntityID)
	existing, err := scanTask(row)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing == nil {
		task.Revision = 1
		task.CreatedAt, task.UpdatedAt = now, now
		if task.NextAttemptAt.IsZero() {
			task.NextAttemptAt = now
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO sync_tasks
			(entity_kind, entity_id, document_id, revision, attempts, last_error, next_attempt_at, history, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(task.EntityKind), task.EntityID, task.DocumentID, task.Revision, task.Attempts, task.LastError,
			nanos(task.NextAttemptAt), task.History, task.Payload, nanos(task.CreatedAt), nanos(task.UpdatedAt))
		if err != nil {
			return fmt.Errorf("enqueueing sync task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("enqueueing sync task: %w", err)
		}
		task.ID = uint64(id)
		return nil
	}

	merged := append(existing.History, task.History...)
	payload := existing.Payload
	if task.Payload != nil {
		payload = task.Payload
	}
	_, err = tx.ExecContext(ctx, `UPDATE sync_tasks SET revision = revision + 1, history = ?, payload = ?, updated_at = ?
		WHERE id = ?`, merged, payload, nanos(now), existing.ID)
	if err != nil {
		return fmt.Errorf("merging sync task: %w", err)
	}
	task.ID = existing.ID
	task.Revision = existing.Revision + 1
	task.Attempts = existing.Attempts
	task.LastError = existing.LastError
	task.NextAttemptAt = existing.NextAttemptAt
	task.History = merged
	task.Payload = payload
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = now
	return nil
}

func scanTask(row rowScanner) (*models.SyncTask, error) {
	var (
		t                          models.SyncTask
		kind                       string
		next, createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &kind, &t.EntityID, &t.DocumentID, &t.Revision, &t.Attempts, &t.LastError,
		&next, &t.History, &t.Payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync task: %w", err)
	}
	t.EntityKind = models.EntityKind(kind)
	t.NextAttemptAt = fromNanos(next)
	t.CreatedAt, t.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.SyncTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.SyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]*models.SyncTask, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM sync_tasks
		WHERE next_attempt_at <= ? ORDER BY next_attempt_at ASC, id ASC LIMIT ?`, nanos(now), limit)
}

func (s *Store) ListSyncTasks(ctx context.Context, documentID models.DocumentID) ([]*models.SyncTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM sync_tasks
		WHERE document_id = ? ORDER BY id ASC`, documentID)
}

func (s *Store) DeferSyncTask(ctx context.Context, task *models.SyncTask) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_tasks SET attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`, task.Attempts, task.LastError, nanos(task.NextAttemptAt), nanos(time.Now().UTC()), task.ID)
	if err != nil {
		return fmt.Errorf("deferring sync task: %w", err)
	}
	return nil
}

func (s *Store) CompleteSyncTask(ctx context.Context, task *models.SyncTask) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM sync_tasks WHERE id = ? AND revision = ?", task.ID, task.Revision)
		if err != nil {
			return fmt.Errorf("completing sync task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("completing sync task: %w", err)
		}
		if n == 0 {
			return nil
		}
		done = true
		table := entityTable(task.EntityKind)
		if table == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, "UPDATE "+table+" SET sync_state = ? WHERE id = ?",
			string(models.SyncSynced), task.EntityID)
		if err != nil {
			return fmt.Errorf("marking %s synced: %w", task.EntityKind, err)
		}
		return nil
	})
	return done, err
}

func entityTable(kind models.EntityKind) string {
	switch kind {
	case models.EntitySchema:
		return "annotation_schemas"
	case models.EntityAnnotation:
		return "annotations"
	default:
		return ""
	}
}

func (s *Store) PromoteDegraded(ctx context.Context) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"annotation_schemas", "annotations"} {
			res, err := tx.ExecContext(ctx, "UPDATE "+table+" SET sync_state = ? WHERE sync_state = ?",
				string(models.SyncPending), string(models.SyncDegradedLocalOnly))
			if err != nil {
				return fmt.Errorf("promoting degraded %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (s *Store) EnqueueAll(ctx context.Context, now time.Time) (int, error) {
	type ref struct {
		kind models.EntityKind
		id   string
		doc  models.DocumentID
	}
	var refs []ref
	for _, q := range []struct {
		kind  models.EntityKind
		query string
	}{
		{models.EntitySchema, "SELECT id, document_id FROM annotation_schemas ORDER BY created_at"},
		{models.EntityAnnotation, "SELECT id, document_id FROM annotations ORDER BY created_at"},
	} {
		rows, err := s.db.QueryContext(ctx, q.query)
		if err != nil {
			return 0, fmt.Errorf("listing %s: %w", q.kind, err)
		}
		for rows.Next() {
			r := ref{kind: q.kind}
			if err := rows.Scan(&r.id, &r.doc); err != nil {
				rows.Close()
				return 0, fmt.Errorf("scanning %s: %w", q.kind, err)
			}
			refs = append(refs, r)
		}
		if err := rows.Close(); err != nil {
			return 0, err
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range refs {
			task := &models.SyncTask{EntityKind: r.kind, EntityID: r.id, DocumentID: r.doc, NextAttemptAt: now}
			if err := enqueueTx(ctx, tx, task); err != nil {
				return err
			}
			table := entityTable(r.kind)
			if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET sync_state = ? WHERE id = ? AND sync_state = ?",
				string(models.SyncPending), r.id, string(models.SyncSynced)); err != nil {
				return fmt.Errorf("marking %s pending: %w", r.kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

// ==================== Stats & admin ====================

func (s *Store) Stats(ctx context.Context) (*store.MetadataStats, error) {
	stats := store.NewMetadataStats()

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM annotation_schemas", &stats.Schemas},
		{"SELECT COUNT(*) FROM annotations", &stats.Annotations},
		{"SELECT COUNT(*) FROM sync_tasks", &stats.PendingTasks},
		{"SELECT COUNT(*) FROM sync_tasks WHERE attempts > 0", &stats.FailingTasks},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	if err := s.groupCount(ctx, "SELECT status, COUNT(*) FROM annotations GROUP BY status", func(k string, n int64) {
		stats.AnnotationsByStatus[models.AnnotationStatus(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT sync_state, COUNT(*) FROM (
			SELECT sync_state FROM annotation_schemas UNION ALL SELECT sync_state FROM annotations
		) GROUP BY sync_state`, func(k string, n int64) {
		stats.SyncStates[models.SyncState(k)] = n
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, query string, fn func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("grouping: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("grouping: %w", err)
		}
		fn(k, n)
	}
	return rows.Err()
}

func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"sync_tasks", "annotations", "annotation_schemas", "documents"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
}

// ==================== helpers ====================

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
