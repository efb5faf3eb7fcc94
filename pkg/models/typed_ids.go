package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	surrealdb_models "github.com/surrealdb/surrealdb.go/pkg/models"
)

// table names the SurrealDB table an ID kind lives in.
type table interface {
	table() string
}

type documentTable struct{}
type schemaTable struct{}
type annotationTable struct{}
type historyTable struct{}

func (documentTable) table() string   { return "documents" }
func (schemaTable) table() string     { return "annotation_schemas" }
func (annotationTable) table() string { return "annotations" }
func (historyTable) table() string    { return "annotation_history" }

// ID is a UUID tagged with the table it identifies. It marshals to a
// plain string for JSON and SQL, and to a SurrealDB RecordID for CBOR.
type ID[T table] struct {
	uuid uuid.UUID
}

type (
	DocumentID   = ID[documentTable]
	SchemaID     = ID[schemaTable]
	AnnotationID = ID[annotationTable]
	HistoryID    = ID[historyTable]
)

func NewDocumentID() DocumentID     { return DocumentID{uuid: uuid.New()} }
func NewSchemaID() SchemaID         { return SchemaID{uuid: uuid.New()} }
func NewAnnotationID() AnnotationID { return AnnotationID{uuid: uuid.New()} }
func NewHistoryID() HistoryID       { return HistoryID{uuid: uuid.New()} }

func ParseDocumentID(s string) (DocumentID, error) { return parseID[documentTable](s, "document") }
func ParseSchemaID(s string) (SchemaID, error)     { return parseID[schemaTable](s, "schema") }
func ParseAnnotationID(s string) (AnnotationID, error) {
	return parseID[annotationTable](s, "annotation")
}
func ParseHistoryID(s string) (HistoryID, error) { return parseID[historyTable](s, "history") }

func parseID[T table](s, kind string) (ID[T], error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID[T]{}, fmt.Errorf("invalid %s ID: %w", kind, err)
	}
	return ID[T]{uuid: id}, nil
}

func (i ID[T]) UUID() uuid.UUID { return i.uuid }
func (i ID[T]) String() string  { return i.uuid.String() }
func (i ID[T]) IsZero() bool    { return i.uuid == uuid.Nil }

// Table returns the SurrealDB table for this kind of ID.
func (i ID[T]) Table() string {
	var t T
	return t.table()
}

func (i ID[T]) RecordID() surrealdb_models.RecordID {
	return surrealdb_models.RecordID{
		Table: i.Table(),
		ID:    i.uuid.String(),
	}
}

func (i ID[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.uuid.String())
}

func (i *ID[T]) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		i.uuid = uuid.Nil
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	i.uuid = id
	return nil
}

func (i ID[T]) MarshalCBOR() ([]byte, error) {
	if i.IsZero() {
		return cbor.Marshal(nil)
	}
	return cbor.Marshal(cbor.Tag{
		Number:  8,
		Content: []any{i.Table(), i.uuid.String()},
	})
}

func (i *ID[T]) UnmarshalCBOR(data []byte) error {
	return unmarshalCBORID(data, i.Table(), &i.uuid)
}

func (i ID[T]) Value() (driver.Value, error) {
	if i.IsZero() {
		return nil, nil
	}
	return i.uuid.String(), nil
}

func (i *ID[T]) Scan(value any) error {
	return scanUUID(value, &i.uuid)
}

func (ID[T]) GormDataType() string { return "uuid" }

func scanUUID(value any, target *uuid.UUID) error {
	switch v := value.(type) {
	case nil:
		*target = uuid.Nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*target = id
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*target = id
	default:
		return fmt.Errorf("cannot scan type %T into UUID", value)
	}
	return nil
}

// unmarshalCBORID decodes a SurrealDB RecordID (CBOR tag 8 wrapping
// [table, id]) and rejects IDs from another table.
func unmarshalCBORID(data []byte, expectedTable string, target *uuid.UUID) error {
	if len(data) == 0 {
		return fmt.Errorf("empty CBOR data")
	}
	// null and undefined decode to the zero ID
	if data[0] == 0xf6 || data[0] == 0xf7 {
		*target = uuid.Nil
		return nil
	}
	if majorType := data[0] >> 5; majorType != 6 {
		return fmt.Errorf("expected CBOR tag for RecordID, got major type %d", majorType)
	}

	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("failed to unmarshal CBOR tag: %w", err)
	}
	if tag.Number != 8 {
		return fmt.Errorf("expected RecordID tag (8), got %d", tag.Number)
	}

	arr, ok := tag.Content.([]any)
	if !ok || len(arr) != 2 {
		return fmt.Errorf("invalid RecordID format: expected [table, id] array")
	}
	tbl, ok := arr[0].(string)
	if !ok {
		return fmt.Errorf("invalid RecordID format: table name must be string")
	}
	if tbl != expectedTable {
		return fmt.Errorf("expected table %q, got %q", expectedTable, tbl)
	}
	idStr, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid RecordID format: id must be string")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("invalid UUID in RecordID: %w", err)
	}
	*target = id
	return nil
}
