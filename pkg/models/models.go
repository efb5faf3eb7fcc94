package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FieldType is the kind of value an annotation field holds.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldNumber         FieldType = "number"
	FieldDate           FieldType = "date"
	FieldBoolean        FieldType = "boolean"
	FieldChoice         FieldType = "choice"
	FieldMultipleChoice FieldType = "multiple_choice"
	FieldEntity         FieldType = "entity"
	FieldClassification FieldType = "classification"
)

// AllFieldTypes lists every accepted field type.
var AllFieldTypes = []FieldType{
	FieldText, FieldNumber, FieldDate, FieldBoolean,
	FieldChoice, FieldMultipleChoice, FieldEntity, FieldClassification,
}

// HasChoices reports whether values of this type are drawn from a choice list.
func (t FieldType) HasChoices() bool {
	return t == FieldChoice || t == FieldMultipleChoice
}

// SyncState tracks whether the DocumentStore copy of an entity has caught
// up with its MetadataStore record.
type SyncState string

const (
	SyncSynced            SyncState = "synced"
	SyncPending           SyncState = "pending"
	SyncDegradedLocalOnly SyncState = "degraded_local_only"
)

// StorageLocation says where a schema body is kept.
type StorageLocation string

const (
	StorageMetadataOnly StorageLocation = "metadata_only"
	StorageDual         StorageLocation = "dual"
)

// AnnotationStatus moves forward only: draft, validated, committed.
type AnnotationStatus string

const (
	StatusDraft     AnnotationStatus = "draft"
	StatusValidated AnnotationStatus = "validated"
	StatusCommitted AnnotationStatus = "committed"
)

// HistoryAction names what a history entry records.
type HistoryAction string

const (
	ActionCreated       HistoryAction = "created"
	ActionFieldUpdated  HistoryAction = "field_updated"
	ActionValidated     HistoryAction = "validated"
	ActionCommitted     HistoryAction = "committed"
	ActionSchemaCreated HistoryAction = "schema_created"
	// ActionAIFlagged records a model run that changed no values.
	ActionAIFlagged HistoryAction = "ai_flagged"
)

// JSONMap is a free-form object stored as JSON text in SQL backends and
// as a native object in SurrealDB.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONMap) Scan(value any) error {
	return scanJSON(value, j)
}

// Clone returns a shallow copy.
func (j JSONMap) Clone() JSONMap {
	if j == nil {
		return nil
	}
	out := make(JSONMap, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

func scanJSON(value any, target any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSON", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

// Document is the source file being annotated. Its identity is owned by
// the MetadataStore.
type Document struct {
	ID        DocumentID `gorm:"type:uuid;primary_key" json:"id"`
	Title     string     `gorm:"not null" json:"title"`
	FileType  string     `json:"file_type"`
	OwnerID   string     `gorm:"index" json:"owner_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate ID if not set
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID.IsZero() {
		d.ID = NewDocumentID()
	}
	return nil
}

// FieldDefinition describes one field of an annotation schema.
type FieldDefinition struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Multiple    bool      `json:"multiple,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
	Order       int       `json:"order"`
}

// FieldDefinitions is an ordered field list stored as a JSON array.
type FieldDefinitions []FieldDefinition

func (f FieldDefinitions) Value() (driver.Value, error) {
	b, err := json.Marshal([]FieldDefinition(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FieldDefinitions) Scan(value any) error {
	return scanJSON(value, f)
}

// Lookup returns the named field.
func (f FieldDefinitions) Lookup(name string) (FieldDefinition, bool) {
	for _, fd := range f {
		if fd.Name == name {
			return fd, true
		}
	}
	return FieldDefinition{}, false
}

// AnnotationSchema is one version of a document's schema. A new version
// is a new row; existing rows are never rewritten apart from SyncState.
type AnnotationSchema struct {
	ID          SchemaID         `gorm:"type:uuid;primary_key" json:"id"`
	DocumentID  DocumentID       `gorm:"type:uuid;not null;uniqueIndex:idx_schema_doc_version" json:"document_id"`
	Version     int              `gorm:"not null;uniqueIndex:idx_schema_doc_version" json:"version"`
	Name        string           `gorm:"not null" json:"name"`
	Description string           `gorm:"type:text" json:"description,omitempty"`
	Fields      FieldDefinitions `gorm:"type:text" json:"fields"`
	Storage     StorageLocation  `gorm:"not null" json:"storage"`
	SyncState   SyncState        `gorm:"not null;index" json:"sync_state"`
	AIGenerated bool             `json:"ai_generated"`
	Fallback    bool             `json:"fallback"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// BeforeCreate hook to generate ID if not set
func (s *AnnotationSchema) BeforeCreate(tx *gorm.DB) error {
	if s.ID.IsZero() {
		s.ID = NewSchemaID()
	}
	return nil
}

// Annotation holds the field values for one document against one schema
// version. Version is the optimistic concurrency counter.
type Annotation struct {
	ID              AnnotationID     `gorm:"type:uuid;primary_key" json:"id"`
	DocumentID      DocumentID       `gorm:"type:uuid;not null;uniqueIndex" json:"document_id"`
	SchemaID        SchemaID         `gorm:"type:uuid;not null" json:"schema_id"`
	SchemaVersion   int              `gorm:"not null" json:"schema_version"`
	Status          AnnotationStatus `gorm:"not null;index" json:"status"`
	Values          JSONMap          `gorm:"column:field_values;type:text" json:"values"`
	Version         int              `gorm:"not null" json:"version"`
	SyncState       SyncState        `gorm:"not null;index" json:"sync_state"`
	AIGenerated     bool             `json:"ai_generated"`
	Fallback        bool             `json:"fallback"`
	AnnotatedBy     string           `json:"annotated_by"`
	ValidatedBy     string           `json:"validated_by,omitempty"`
	ValidationNotes string           `gorm:"type:text" json:"validation_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ValidatedAt     *time.Time       `json:"validated_at,omitempty"`
}

// BeforeCreate hook to generate ID if not set
func (a *Annotation) BeforeCreate(tx *gorm.DB) error {
	if a.ID.IsZero() {
		a.ID = NewAnnotationID()
	}
	return nil
}

// AnnotationPayload is the DocumentStore copy of an annotation.
type AnnotationPayload struct {
	ID            AnnotationID     `json:"id"`
	DocumentID    DocumentID       `json:"document_id"`
	SchemaID      SchemaID         `json:"schema_id"`
	SchemaVersion int              `json:"schema_version"`
	Status        AnnotationStatus `json:"status"`
	Values        JSONMap          `json:"values"`
	Version       int              `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PayloadOf projects an annotation into its DocumentStore form.
func PayloadOf(a *Annotation) *AnnotationPayload {
	return &AnnotationPayload{
		ID:            a.ID,
		DocumentID:    a.DocumentID,
		SchemaID:      a.SchemaID,
		SchemaVersion: a.SchemaVersion,
		Status:        a.Status,
		Values:        a.Values.Clone(),
		Version:       a.Version,
		UpdatedAt:     a.UpdatedAt,
	}
}

// HistoryEntry is one immutable audit record. ID and Timestamp are fixed
// when the MetadataStore write commits, so replaying an entry later
// writes the same record.
type HistoryEntry struct {
	ID           HistoryID     `json:"id"`
	AnnotationID AnnotationID  `json:"annotation_id"`
	DocumentID   DocumentID    `json:"document_id"`
	Action       HistoryAction `json:"action"`
	PerformedBy  string        `json:"performed_by"`
	FieldName    string        `json:"field_name,omitempty"`
	OldValue     any           `json:"old_value,omitempty"`
	NewValue     any           `json:"new_value,omitempty"`
	Comment      string        `json:"comment,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// HistoryEntries is stored as a JSON array on sync tasks.
type HistoryEntries []HistoryEntry

func (h HistoryEntries) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]HistoryEntry(h))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *HistoryEntries) Scan(value any) error {
	return scanJSON(value, h)
}

// DocumentMetadata holds extended attributes extracted from a document.
// It lives only in the DocumentStore.
type DocumentMetadata struct {
	DocumentID DocumentID `json:"document_id"`
	Attributes JSONMap    `json:"attributes"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SchemaBody is the content of a schema as produced by the inference
// client and checked by the validator, before it is stored as a version.
type SchemaBody struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Fields      FieldDefinitions `json:"fields"`
}
