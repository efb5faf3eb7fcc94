// Package postgres provides the PostgreSQL MetadataStore using GORM.
//
// GORM builds the SQL and AutoMigrate keeps the schema in line with the
// model structs. Version checks are expressed as conditional updates so
// that a stale writer affects zero rows and receives a ConflictError.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// Store is a store.MetadataStore on PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ store.MetadataStore = (*Store)(nil)

// New opens a connection pool for dsn.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates or alters tables to match the models.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Document{},
		&models.AnnotationSchema{},
		&models.Annotation{},
		&models.SyncTask{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

func (s *Store) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (s *Store) CreateSchema(ctx context.Context, schema *models.AnnotationSchema, task *models.SyncTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(schema).Error; err != nil {
			if isUniqueViolation(err) {
				return &store.ConflictError{Entity: "schema", ID: schema.DocumentID.String(), Expected: schema.Version - 1}
			}
			return err
		}
		return enqueueTx(tx, task)
	})
}

func (s *Store) GetSchema(ctx context.Context, id models.SchemaID) (*models.AnnotationSchema, error) {
	var sc models.AnnotationSchema
	if err := s.db.WithContext(ctx).First(&sc, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sc, nil
}

func (s *Store) GetActiveSchema(ctx context.Context, documentID models.DocumentID) (*models.AnnotationSchema, error) {
	var sc models.AnnotationSchema
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version DESC").
		First(&sc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sc, nil
}

func (s *Store) CreateAnnotation(ctx context.Context, a *models.Annotation, task *models.SyncTask) error {
	if a.Version == 0 {
		a.Version = 1
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			if isUniqueViolation(err) {
				return &store.ConflictError{Entity: "annotation", ID: a.DocumentID.String()}
			}
			return err
		}
		return enqueueTx(tx, task)
	})
}

func (s *Store) GetAnnotation(ctx context.Context, id models.AnnotationID) (*models.Annotation, error) {
	var a models.Annotation
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) GetAnnotationByDocument(ctx context.Context, documentID models.DocumentID) (*models.Annotation, error) {
	var a models.Annotation
	if err := s.db.WithContext(ctx).First(&a, "document_id = ?", documentID).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) UpdateAnnotation(ctx context.Context, a *models.Annotation, expectedVersion int, task *models.SyncTask) error {
	now := a.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Annotation{}).
			Where("id = ? AND version = ?", a.ID, expectedVersion).
			Updates(map[string]any{
				"schema_id":        a.SchemaID,
				"schema_version":   a.SchemaVersion,
				"status":           a.Status,
				"field_values":     a.Values,
				"version":          expectedVersion + 1,
				"sync_state":       a.SyncState,
				"ai_generated":     a.AIGenerated,
				"fallback":         a.Fallback,
				"annotated_by":     a.AnnotatedBy,
				"validated_by":     a.ValidatedBy,
				"validation_notes": a.ValidationNotes,
				"validated_at":     a.ValidatedAt,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.Annotation
			if err := tx.Select("version").First(&current, "id = ?", a.ID).Error; err != nil {
				return notFound(err)
			}
			return &store.ConflictError{Entity: "annotation", ID: a.ID.String(), Expected: expectedVersion, Actual: current.Version}
		}
		if err := enqueueTx(tx, task); err != nil {
			return err
		}
		a.Version = expectedVersion + 1
		a.UpdatedAt = now
		return nil
	})
}

func (s *Store) EnqueueSync(ctx context.Context, task *models.SyncTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return enqueueTx(tx, task)
	})
}

// enqueueTx merges task into the stored task for the same entity. The
// insert skips on the (kind, id) unique index, so a concurrent first
// enqueue waits for the other transaction and then merges into its row.
func enqueueTx(tx *gorm.DB, task *models.SyncTask) error {
	if task == nil {
		return nil
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = time.Now().UTC()
	}

	task.Revision = 1
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_kind"}, {Name: "entity_id"}},
		DoNothing: true,
	}).Create(task)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var existing models.SyncTask
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_kind = ? AND entity_id = ?", task.EntityKind, task.EntityID).
		First(&existing).Error
	if err != nil {
		return err
	}

	existing.Revision++
	existing.History = append(existing.History, task.History...)
	if task.Payload != nil {
		existing.Payload = task.Payload
	}
	if err := tx.Save(&existing).Error; err != nil {
		return err
	}
	*task = existing
	return nil
}

func (s *Store) DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]*models.SyncTask, error) {
	var tasks []*models.SyncTask
	query := s.db.WithContext(ctx).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&tasks).Error
	return tasks, err
}

func (s *Store) ListSyncTasks(ctx context.Context, documentID models.DocumentID) ([]*models.SyncTask, error) {
	var tasks []*models.SyncTask
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, err
}

func (s *Store) DeferSyncTask(ctx context.Context, task *models.SyncTask) error {
	return s.db.WithContext(ctx).
		Model(&models.SyncTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"attempts":        task.Attempts,
			"last_error":      task.LastError,
			"next_attempt_at": task.NextAttemptAt,
		}).Error
}

func (s *Store) CompleteSyncTask(ctx context.Context, task *models.SyncTask) (bool, error) {
	var done bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND revision = ?", task.ID, task.Revision).Delete(&models.SyncTask{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		done = true
		var model any
		switch task.EntityKind {
		case models.EntitySchema:
			model = &models.AnnotationSchema{}
		case models.EntityAnnotation:
			model = &models.Annotation{}
		default:
			return nil
		}
		return tx.Model(model).
			Where("id = ?", task.EntityID).
			Update("sync_state", models.SyncSynced).Error
	})
	return done, err
}

func (s *Store) PromoteDegraded(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&models.AnnotationSchema{}, &models.Annotation{}} {
			res := tx.Model(model).
				Where("sync_state = ?", models.SyncDegradedLocalOnly).
				Update("sync_state", models.SyncPending)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	return total, err
}

func (s *Store) EnqueueAll(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schemas []models.AnnotationSchema
		if err := tx.Select("id", "document_id").Find(&schemas).Error; err != nil {
			return err
		}
		var annotations []models.Annotation
		if err := tx.Select("id", "document_id").Find(&annotations).Error; err != nil {
			return err
		}

		for _, sc := range schemas {
			if err := enqueueTx(tx, &models.SyncTask{
				EntityKind: models.EntitySchema, EntityID: sc.ID.String(), DocumentID: sc.DocumentID, NextAttemptAt: now,
			}); err != nil {
				return err
			}
		}
		for _, a := range annotations {
			if err := enqueueTx(tx, &models.SyncTask{
				EntityKind: models.EntityAnnotation, EntityID: a.ID.String(), DocumentID: a.DocumentID, NextAttemptAt: now,
			}); err != nil {
				return err
			}
		}
		for _, model := range []any{&models.AnnotationSchema{}, &models.Annotation{}} {
			if err := tx.Model(model).
				Where("sync_state = ?", models.SyncSynced).
				Update("sync_state", models.SyncPending).Error; err != nil {
				return err
			}
		}
		count = len(schemas) + len(annotations)
		return nil
	})
	return count, err
}

func (s *Store) Stats(ctx context.Context) (*store.MetadataStats, error) {
	stats := store.NewMetadataStats()
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Document{}).Count(&stats.Documents).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.AnnotationSchema{}).Count(&stats.Schemas).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Annotation{}).Count(&stats.Annotations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.SyncTask{}).Count(&stats.PendingTasks).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.SyncTask{}).Where("attempts > 0").Count(&stats.FailingTasks).Error; err != nil {
		return nil, err
	}

	type group struct {
		Key   string
		Count int64
	}
	var byStatus []group
	if err := db.Model(&models.Annotation{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, g := range byStatus {
		stats.AnnotationsByStatus[models.AnnotationStatus(g.Key)] = g.Count
	}

	for _, model := range []any{&models.AnnotationSchema{}, &models.Annotation{}} {
		var bySync []group
		if err := db.Model(model).
			Select("sync_state AS key, COUNT(*) AS count").
			Group("sync_state").
			Scan(&bySync).Error; err != nil {
			return nil, err
		}
		for _, g := range bySync {
			stats.SyncStates[models.SyncState(g.Key)] += g.Count
		}
	}
	return stats, nil
}

func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&models.SyncTask{}, &models.Annotation{}, &models.AnnotationSchema{}, &models.Document{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "SQLSTATE 23505")
}
