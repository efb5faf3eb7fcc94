// Package pipeline turns document content into a stored schema and a
// pre-filled draft annotation.
//
// Inference never aborts a run: a step that falls back yields its
// fallback value and the stored entity is flagged. Validator and store
// errors are returned.
package pipeline

import (
	"context"
	"errors"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/coordinator"
	"github.com/surrealdb/annosync/pkg/inference"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/validate"
)

// SchemaResult is the outcome of GenerateSchema.
type SchemaResult struct {
	Schema       *models.AnnotationSchema `json:"schema"`
	DocumentType string                   `json:"document_type"`
	Corrections  []validate.Correction    `json:"corrections,omitempty"`
	// Fallback is set when type analysis or schema generation fell back.
	Fallback bool `json:"fallback"`
}

// AnnotationResult is the outcome of PreAnnotate.
type AnnotationResult struct {
	Annotation  *models.Annotation    `json:"annotation"`
	Corrections []validate.Correction `json:"corrections,omitempty"`
	// Updated lists the fields written to an existing annotation.
	Updated  []string `json:"updated,omitempty"`
	Fallback bool     `json:"fallback"`
}

// Pipeline runs the model-assisted steps and stores their output through
// the coordinator.
type Pipeline struct {
	coord     *coordinator.Coordinator
	inference *inference.Client
	validator *validate.Validator
	logger    zerolog.Logger
}

// New returns a pipeline.
func New(coord *coordinator.Coordinator, client *inference.Client, validator *validate.Validator, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		coord:     coord,
		inference: client,
		validator: validator,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// GenerateSchema classifies the document, asks for a schema suited to its
// type, normalises it and stores it as the document's next schema version.
func (p *Pipeline) GenerateSchema(ctx context.Context, documentID models.DocumentID, content string, metadata map[string]any, actor string) (*SchemaResult, error) {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}

	docType := p.inference.AnalyzeType(ctx, content, meta)
	meta["document_type"] = docType.Value
	generated := p.inference.GenerateSchema(ctx, content, meta)

	body, corrections, err := p.validator.ValidateSchema(generated.Value)
	if err != nil {
		return nil, err
	}
	fallback := docType.Fallback() || generated.Fallback()
	schema, err := p.coord.CreateSchema(ctx, documentID, body, actor, coordinator.AIGenerated(fallback))
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("document", documentID.String()).
		Str("document_type", docType.Value).
		Int("fields", len(schema.Fields)).
		Int("version", schema.Version).
		Bool("fallback", fallback).
		Msg("schema generated")
	return &SchemaResult{Schema: schema, DocumentType: docType.Value, Corrections: corrections, Fallback: fallback}, nil
}

// PreAnnotate fills the document's annotation from the model. Values that
// do not fit the active schema are dropped; required fields may stay
// empty. An empty draft is created when the document has no annotation
// yet; each changed field is then written in schema order. A run that
// writes nothing still flags an existing annotation when it fell back.
func (p *Pipeline) PreAnnotate(ctx context.Context, documentID models.DocumentID, content string, actor string) (*AnnotationResult, error) {
	schema, err := p.coord.GetActiveSchema(ctx, documentID)
	if err != nil {
		return nil, err
	}
	generated := p.inference.GenerateAnnotations(ctx, content, models.SchemaBody{
		Name:        schema.Name,
		Description: schema.Description,
		Fields:      schema.Fields,
	})
	values, corrections := p.validator.ValidateDraft(generated.Value, schema.Fields)
	res := &AnnotationResult{Corrections: corrections, Fallback: generated.Fallback()}
	flag := coordinator.AIGenerated(res.Fallback)

	a, err := p.coord.GetAnnotation(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if a, err = p.coord.CreateAnnotation(ctx, documentID, nil, actor, flag); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	for _, fd := range schema.Fields {
		v, ok := values[fd.Name]
		if !ok || reflect.DeepEqual(a.Values[fd.Name], v) {
			continue
		}
		if a, err = p.coord.UpdateField(ctx, documentID, fd.Name, v, a.Version, actor, flag); err != nil {
			return nil, err
		}
		res.Updated = append(res.Updated, fd.Name)
	}
	if len(res.Updated) == 0 && res.Fallback && !a.Fallback && a.Status != models.StatusCommitted {
		if a, err = p.coord.FlagAIGenerated(ctx, documentID, true, a.Version, actor); err != nil {
			return nil, err
		}
	}
	res.Annotation = a

	p.logger.Info().
		Str("document", documentID.String()).
		Int("values", len(values)).
		Int("updated", len(res.Updated)).
		Int("corrections", len(corrections)).
		Bool("fallback", res.Fallback).
		Msg("pre-annotation stored")
	return res, nil
}
