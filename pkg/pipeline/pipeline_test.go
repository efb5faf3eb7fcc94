package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/coordinator"
	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/inference"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/sqlite"
	"github.com/surrealdb/annosync/pkg/validate"
)

const (
	typeReply   = `{"document_type": "CONTRACT"}`
	schemaReply = `Here is the schema:
{"name": "lease", "description": "Commercial lease", "fields": [
  {"name": "tenant", "label": "Tenant", "type": "entity", "required": true},
  {"name": "rent", "label": "Monthly rent", "type": "number"},
  {"name": "statut", "type": "choice"}
]}`
)

// fakeOllama answers each prompt kind with a fixed reply; an empty reply
// answers with 503.
type fakeOllama struct {
	typeReply, schemaReply, annotationReply string
	calls                                   atomic.Int32
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var text string
	switch {
	case strings.Contains(req.Prompt, "document classification"):
		text = f.typeReply
	case strings.Contains(req.Prompt, "expert annotator"):
		text = f.annotationReply
	default:
		text = f.schemaReply
	}
	if text == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"response": text, "done": true})
}

type fixture struct {
	pipeline *Pipeline
	coord    *coordinator.Coordinator
	mem      *memstore.DocumentStore
	model    *fakeOllama
	doc      models.DocumentID
}

func newFixture(t *testing.T, model *fakeOllama) *fixture {
	t.Helper()
	srv := httptest.NewServer(model)
	t.Cleanup(srv.Close)

	meta, err := sqlite.New(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	mem := memstore.New()
	validator := validate.New(zerolog.Nop())
	breaker := health.NewBreaker(health.DefaultBreakerConfig(), clock.WallClock, zerolog.Nop(), nil)
	coord := coordinator.New(meta, mem, breaker, validator, clock.WallClock, coordinator.DefaultConfig(), zerolog.Nop(), nil)
	client := inference.NewClient(inference.NewOllama(srv.URL, "test", time.Second), inference.Config{
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, clock.WallClock, zerolog.Nop(), nil)

	doc := &models.Document{Title: "lease.pdf", FileType: "pdf"}
	require.NoError(t, coord.RegisterDocument(context.Background(), doc))
	return &fixture{
		pipeline: New(coord, client, validator, zerolog.Nop()),
		coord:    coord,
		mem:      mem,
		model:    model,
		doc:      doc.ID,
	}
}

func TestGenerateSchema(t *testing.T) {
	f := newFixture(t, &fakeOllama{typeReply: typeReply, schemaReply: schemaReply})

	res, err := f.pipeline.GenerateSchema(context.Background(), f.doc, "LEASE AGREEMENT between ...", map[string]any{"filename": "lease.pdf"}, "model")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, inference.TypeContract, res.DocumentType)
	assert.True(t, res.Schema.AIGenerated)
	assert.False(t, res.Schema.Fallback)
	assert.Equal(t, models.SyncSynced, res.Schema.SyncState)

	require.Len(t, res.Schema.Fields, 3)
	statut := res.Schema.Fields[2]
	assert.NotEmpty(t, statut.Choices, "choice fields get default choices")
	assert.NotEmpty(t, res.Corrections)
	assert.EqualValues(t, 2, f.model.calls.Load())

	_, ok := f.mem.Schema(res.Schema.ID)
	assert.True(t, ok)
}

func TestGenerateSchemaFallsBack(t *testing.T) {
	f := newFixture(t, &fakeOllama{})

	res, err := f.pipeline.GenerateSchema(context.Background(), f.doc, "content", nil, "model")
	require.NoError(t, err, "inference failures must not abort the pipeline")
	assert.True(t, res.Fallback)
	assert.Equal(t, inference.UnknownType, res.DocumentType)
	assert.Equal(t, "fallback_schema", res.Schema.Name)
	assert.Empty(t, res.Schema.Fields)
	assert.True(t, res.Schema.AIGenerated)
	assert.True(t, res.Schema.Fallback)
	assert.EqualValues(t, 4, f.model.calls.Load(), "two attempts per step")
}

func TestPreAnnotateCreatesDraft(t *testing.T) {
	f := newFixture(t, &fakeOllama{
		typeReply:       typeReply,
		schemaReply:     schemaReply,
		annotationReply: `{"tenant": "ACME Ltd", "rent": "1200", "colour": "blue"}`,
	})
	ctx := context.Background()
	_, err := f.pipeline.GenerateSchema(ctx, f.doc, "lease", nil, "model")
	require.NoError(t, err)

	res, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	a := res.Annotation
	assert.Equal(t, models.StatusDraft, a.Status)
	assert.Equal(t, 3, a.Version, "one write per field after the empty draft")
	assert.Equal(t, []string{"tenant", "rent"}, res.Updated)
	assert.Equal(t, "ACME Ltd", a.Values["tenant"])
	assert.Equal(t, float64(1200), a.Values["rent"])
	assert.NotContains(t, a.Values, "colour")
	assert.NotEmpty(t, res.Corrections)
	assert.True(t, a.AIGenerated)

	hist, err := f.coord.GetHistory(ctx, f.doc)
	require.NoError(t, err)
	var actions []models.HistoryAction
	var fields []string
	for _, e := range hist.Entries {
		actions = append(actions, e.Action)
		if e.Action == models.ActionFieldUpdated {
			fields = append(fields, e.FieldName)
		}
	}
	assert.ElementsMatch(t, []models.HistoryAction{
		models.ActionSchemaCreated, models.ActionCreated, models.ActionFieldUpdated, models.ActionFieldUpdated,
	}, actions)
	assert.ElementsMatch(t, []string{"tenant", "rent"}, fields)
}

func TestPreAnnotateUpdatesExisting(t *testing.T) {
	model := &fakeOllama{
		typeReply:       typeReply,
		schemaReply:     schemaReply,
		annotationReply: `{"tenant": "ACME Ltd"}`,
	}
	f := newFixture(t, model)
	ctx := context.Background()
	_, err := f.pipeline.GenerateSchema(ctx, f.doc, "lease", nil, "model")
	require.NoError(t, err)
	_, err = f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)

	model.annotationReply = `{"tenant": "ACME Ltd", "rent": 950}`
	res, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	assert.Equal(t, []string{"rent"}, res.Updated, "unchanged fields are not rewritten")
	assert.Equal(t, 3, res.Annotation.Version)
	assert.Equal(t, float64(950), res.Annotation.Values["rent"])

	hist, err := f.coord.GetHistory(ctx, f.doc)
	require.NoError(t, err)
	last := hist.Entries[len(hist.Entries)-1]
	assert.Equal(t, models.ActionFieldUpdated, last.Action)
	assert.Equal(t, "rent", last.FieldName)
}

func TestPreAnnotateFallbackKeepsDraftEmpty(t *testing.T) {
	model := &fakeOllama{typeReply: typeReply, schemaReply: schemaReply}
	f := newFixture(t, model)
	ctx := context.Background()
	_, err := f.pipeline.GenerateSchema(ctx, f.doc, "lease", nil, "model")
	require.NoError(t, err)

	res, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Empty(t, res.Annotation.Values)
	assert.True(t, res.Annotation.Fallback)
}

func TestPreAnnotateFallbackFlagsExisting(t *testing.T) {
	model := &fakeOllama{
		typeReply:       typeReply,
		schemaReply:     schemaReply,
		annotationReply: `{"tenant": "ACME Ltd"}`,
	}
	f := newFixture(t, model)
	ctx := context.Background()
	_, err := f.pipeline.GenerateSchema(ctx, f.doc, "lease", nil, "model")
	require.NoError(t, err)
	first, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	require.False(t, first.Annotation.Fallback)

	model.annotationReply = ""
	res, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Empty(t, res.Updated)

	stored, err := f.coord.GetAnnotation(ctx, f.doc)
	require.NoError(t, err)
	assert.True(t, stored.AIGenerated)
	assert.True(t, stored.Fallback)
	assert.Equal(t, "ACME Ltd", stored.Values["tenant"], "a fallback run keeps earlier values")
	assert.Equal(t, first.Annotation.Version+1, stored.Version)

	hist, err := f.coord.GetHistory(ctx, f.doc)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAIFlagged, hist.Entries[len(hist.Entries)-1].Action)

	// Already flagged; a further fallback run writes nothing.
	again, err := f.pipeline.PreAnnotate(ctx, f.doc, "lease", "model")
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Annotation.Version)
}

func TestPreAnnotateNeedsSchema(t *testing.T) {
	f := newFixture(t, &fakeOllama{})
	_, err := f.pipeline.PreAnnotate(context.Background(), f.doc, "x", "model")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.model.calls.Load())
}
