package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/sqlite"
	"github.com/surrealdb/annosync/pkg/validate"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	meta    *sqlite.Store
	mem     *memstore.DocumentStore
	clock   *testclock.Clock
	breaker *health.Breaker
	coord   *Coordinator
}

type fixtureOptions struct {
	breaker health.BreakerConfig
	coord   Config
	wrap    func(*memstore.DocumentStore) store.DocumentStore
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{
		breaker: health.BreakerConfig{Threshold: 3, CoolDown: 5 * time.Second, MaxCoolDown: time.Minute, Multiplier: 2},
		coord:   Config{ReconcileAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second},
	}
	for _, fn := range opts {
		fn(&o)
	}

	meta, err := sqlite.New(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	mem := memstore.New()
	var docs store.DocumentStore = mem
	if o.wrap != nil {
		docs = o.wrap(mem)
	}

	clk := testclock.NewClock(epoch)
	breaker := health.NewBreaker(o.breaker, clk, zerolog.Nop(), nil)
	coord := New(meta, docs, breaker, validate.New(zerolog.Nop()), clk, o.coord, zerolog.Nop(), nil)
	return &fixture{meta: meta, mem: mem, clock: clk, breaker: breaker, coord: coord}
}

func contractSchema() models.SchemaBody {
	return models.SchemaBody{
		Name: "contract",
		Fields: models.FieldDefinitions{
			{Name: "party", Type: models.FieldEntity, Required: true},
			{Name: "amount", Type: models.FieldNumber},
			{Name: "status", Type: models.FieldChoice, Choices: []string{"Draft", "Signed"}},
		},
	}
}

func (f *fixture) document(t *testing.T, title string) models.DocumentID {
	t.Helper()
	doc := &models.Document{Title: title, FileType: "pdf"}
	require.NoError(t, f.coord.RegisterDocument(context.Background(), doc))
	return doc.ID
}

// annotated registers a document with a schema and an empty draft.
func (f *fixture) annotated(t *testing.T) (models.DocumentID, *models.Annotation) {
	t.Helper()
	ctx := context.Background()
	id := f.document(t, "lease.pdf")
	_, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	a, err := f.coord.CreateAnnotation(ctx, id, nil, "alice")
	require.NoError(t, err)
	return id, a
}

func (f *fixture) tripBreaker(t *testing.T) {
	t.Helper()
	f.mem.SetUnreachable(true)
	for i := 0; f.breaker.State() != health.Open; i++ {
		require.Less(t, i, 10, "breaker never opened")
		_, err := f.coord.GetHistory(context.Background(), models.NewDocumentID())
		require.NoError(t, err)
	}
}

func historyIDs(entries []models.HistoryEntry) []models.HistoryID {
	ids := make([]models.HistoryID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestCreateSchemaHealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "invoice.pdf")

	schema, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice", AIGenerated(false))
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, schema.SyncState)
	assert.Equal(t, 1, schema.Version)
	assert.True(t, schema.AIGenerated)

	stored, err := f.meta.GetSchema(ctx, schema.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, stored.SyncState)

	replica, ok := f.mem.Schema(schema.ID)
	require.True(t, ok)
	assert.Len(t, replica.Fields, 3)

	tasks, err := f.meta.ListSyncTasks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	hist, err := f.coord.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.False(t, hist.Degraded)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, models.ActionSchemaCreated, hist.Entries[0].Action)

	stats, err := f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, stats.Status)
	assert.Equal(t, "closed", stats.Breaker)
	assert.EqualValues(t, 1, stats.Documents.Schemas)
}

func TestCreateSchemaVersionsIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "a.pdf")

	first, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err)
	second, err := f.coord.CreateSchema(ctx, id, contractSchema(), "bob", MetadataOnly())
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, models.SyncSynced, second.SyncState)

	_, ok := f.mem.Schema(second.ID)
	assert.False(t, ok, "metadata-only schema body must stay out of the document store")

	active, err := f.coord.GetActiveSchema(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestCreateSchemaRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)
	id := f.document(t, "a.pdf")

	_, err := f.coord.CreateSchema(context.Background(), id, models.SchemaBody{
		Fields: models.FieldDefinitions{{Name: "x", Type: "colour"}},
	}, "alice")
	var ve *store.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, f.mem.Writes())
}

func TestCreateSchemaUnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateSchema(context.Background(), models.NewDocumentID(), contractSchema(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDocumentStoreDownQueuesWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "report.pdf")
	f.mem.SetUnreachable(true)

	schema, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err, "document store failures must not fail the write")
	assert.Equal(t, models.SyncPending, schema.SyncState)
	assert.Equal(t, health.Closed, f.breaker.State())

	stats, err := f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, stats.Status)
	assert.EqualValues(t, 1, stats.Metadata.PendingTasks)
	assert.Nil(t, stats.Documents)

	f.mem.SetUnreachable(false)
	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Synced)

	stored, err := f.meta.GetSchema(ctx, schema.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, stored.SyncState)
	assert.Equal(t, 1, stored.Version)
	assert.True(t, schema.UpdatedAt.Equal(stored.UpdatedAt), "sync must not rewrite the record")

	_, ok := f.mem.Schema(schema.ID)
	assert.True(t, ok)

	stats, err = f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, stats.Status)
	assert.EqualValues(t, 1, stats.Metadata.Schemas)
}

func TestBreakerOpenDegradedThenRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "memo.pdf")
	f.tripBreaker(t)
	writes := f.mem.Writes()

	schema, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncDegradedLocalOnly, schema.SyncState)
	assert.Equal(t, writes, f.mem.Writes())

	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, res.BreakerOpen)
	assert.Zero(t, res.Processed)

	stats, err := f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, stats.Status)
	assert.Equal(t, "open", stats.Breaker)

	// The store comes back; the probe's trial after the cool-down closes
	// the breaker.
	f.mem.SetUnreachable(false)
	probe := health.NewProbe(f.breaker, f.mem, f.clock, time.Second, time.Second, zerolog.Nop())
	assert.Equal(t, health.Open, probe.Check(ctx))
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, health.Closed, probe.Check(ctx))

	select {
	case <-f.coord.Wake():
	default:
		t.Fatal("recovery did not wake the sweep loop")
	}
	stored, err := f.meta.GetSchema(ctx, schema.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, stored.SyncState)

	res, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	stored, err = f.meta.GetSchema(ctx, schema.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, stored.SyncState)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	f.mem.SetUnreachable(true)
	_, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	f.mem.SetUnreachable(false)

	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	before, err := f.mem.Stats(ctx)
	require.NoError(t, err)

	res, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	// Replaying everything changes nothing either.
	n, total, err := f.coord.MigrateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, total.Synced)
	after, err := f.mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	payload, err := f.mem.GetAnnotation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Version)
	assert.Equal(t, "ACME", payload.Values["party"])
}

func TestUpdateFieldStaleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for _, party := range []string{"ACME", "Globex"} {
		wg.Add(1)
		go func(party string) {
			defer wg.Done()
			_, err := f.coord.UpdateField(ctx, id, "party", party, a.Version, "alice")
			var ce *store.ConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &ce):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(party)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 1, conflicts.Load())

	stored, err := f.meta.GetAnnotationByDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)

	_, err = f.coord.UpdateField(ctx, id, "amount", 10, 1, "bob")
	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Expected)
	assert.Equal(t, 2, ce.Actual)
}

func TestUpdateFieldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	_, err := f.coord.UpdateField(ctx, id, "colour", "red", a.Version, "alice")
	var ve *store.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.coord.UpdateField(ctx, id, "amount", "lots", a.Version, "alice")
	require.ErrorAs(t, err, &ve)

	got, err := f.coord.UpdateField(ctx, id, "amount", "12.5", a.Version, "alice")
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.Values["amount"])
	assert.Equal(t, a.Version+1, got.Version)
	assert.Equal(t, models.SyncSynced, got.SyncState)

	got, err = f.coord.UpdateField(ctx, id, "amount", nil, got.Version, "alice")
	require.NoError(t, err)
	assert.NotContains(t, got.Values, "amount")
}

func TestBackoffDoublesToCap(t *testing.T) {
	f := newFixture(t)
	want := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for n, d := range want {
		assert.Equal(t, d, f.coord.Backoff(n), "attempts=%d", n)
	}
	assert.Equal(t, 8*time.Second, f.coord.Backoff(60))
}

func TestFailingTaskIsDeferredWithBackoff(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.breaker.Threshold = 100 })
	ctx := context.Background()
	id := f.document(t, "a.pdf")
	f.mem.SetUnreachable(true)
	_, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err)

	var prev time.Duration
	for i := 1; i <= 6; i++ {
		res, err := f.coord.Reconcile(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Deferred, "sweep %d", i)

		tasks, err := f.meta.ListSyncTasks(ctx, id)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, i, tasks[0].Attempts)
		assert.NotEmpty(t, tasks[0].LastError)

		delay := tasks[0].NextAttemptAt.Sub(f.clock.Now())
		assert.Equal(t, f.coord.Backoff(i), delay)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, 8*time.Second)
		prev = delay

		res, err = f.coord.Reconcile(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Processed, "task must not be retried before its backoff")
		f.clock.Advance(delay)
	}

	f.mem.SetUnreachable(false)
	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestSweepStopsWhenBreakerOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.SetUnreachable(true)
	for _, title := range []string{"a.pdf", "b.pdf"} {
		_, err := f.coord.CreateSchema(ctx, f.document(t, title), contractSchema(), "alice")
		require.NoError(t, err)
	}
	require.Equal(t, health.Closed, f.breaker.State())

	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, res.BreakerOpen)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, health.Open, f.breaker.State())
}

type blockingDocs struct {
	*memstore.DocumentStore
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDocs) UpsertAnnotation(ctx context.Context, p *models.AnnotationPayload) error {
	if b.block.CompareAndSwap(true, false) {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.DocumentStore.UpsertAnnotation(ctx, p)
}

func newBlockingFixture(t *testing.T) (*fixture, *blockingDocs) {
	var blk *blockingDocs
	f := newFixture(t, func(o *fixtureOptions) {
		o.wrap = func(mem *memstore.DocumentStore) store.DocumentStore {
			blk = &blockingDocs{DocumentStore: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
			return blk
		}
	})
	return f, blk
}

func TestConcurrentSweepsCoalesce(t *testing.T) {
	f, blk := newBlockingFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	f.mem.SetUnreachable(true)
	_, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	f.mem.SetUnreachable(false)

	blk.block.Store(true)
	done := make(chan SweepResult, 1)
	go func() {
		res, err := f.coord.Reconcile(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	<-blk.entered

	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, res.Coalesced)
	assert.Zero(t, res.Processed)

	close(blk.release)
	res = <-done
	assert.False(t, res.Coalesced)
	assert.Equal(t, 1, res.Synced)
}

func TestWriteDuringSweepIsNotLost(t *testing.T) {
	f, blk := newBlockingFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	f.mem.SetUnreachable(true)
	a, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	f.mem.SetUnreachable(false)

	blk.block.Store(true)
	done := make(chan SweepResult, 1)
	go func() {
		res, err := f.coord.Reconcile(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	<-blk.entered

	latest, err := f.coord.UpdateField(ctx, id, "party", "Globex", a.Version, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, latest.SyncState)

	close(blk.release)
	res := <-done
	assert.Equal(t, 1, res.Superseded)

	payload, err := f.mem.GetAnnotation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, latest.Version, payload.Version)
	assert.Equal(t, "Globex", payload.Values["party"])

	view, err := f.coord.ReadAnnotation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Globex", view.Annotation.Values["party"])
}

func TestReadAnnotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)
	f.clock.Advance(time.Second)
	a, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	_, err = f.coord.SaveDocumentMetadata(ctx, id, models.JSONMap{"pages": 3})
	require.NoError(t, err)

	view, err := f.coord.ReadAnnotation(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Degraded)
	assert.Equal(t, "ACME", view.Annotation.Values["party"])
	assert.Equal(t, "contract", view.Schema.Name)
	require.NotNil(t, view.Metadata)
	assert.EqualValues(t, 3, view.Metadata.Attributes["pages"])
	require.Len(t, view.History, 3)
	assert.Equal(t, models.ActionSchemaCreated, view.History[0].Action)
	assert.Equal(t, models.ActionCreated, view.History[1].Action)
	assert.Equal(t, models.ActionFieldUpdated, view.History[2].Action)

	f.mem.SetUnreachable(true)
	view, err = f.coord.ReadAnnotation(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.Equal(t, "ACME", view.Annotation.Values["party"])
	assert.Equal(t, a.Version, view.Annotation.Version)
	assert.Nil(t, view.Metadata)
	assert.Empty(t, view.History)
}

func TestReadAnnotationIgnoresOlderPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	f.mem.SetUnreachable(true)
	_, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	f.mem.SetUnreachable(false)

	view, err := f.coord.ReadAnnotation(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.Degraded)
	assert.Equal(t, "ACME", view.Annotation.Values["party"])
	assert.Equal(t, 2, view.Annotation.Version)
}

func TestHistoryReplayKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)

	f.mem.SetUnreachable(true)
	f.clock.Advance(time.Minute)
	a, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.coord.UpdateField(ctx, id, "status", "signed", a.Version, "bob")
	require.NoError(t, err)

	queued, err := f.coord.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.True(t, queued.Degraded)
	require.Len(t, queued.Entries, 2)
	assert.Equal(t, "party", queued.Entries[0].FieldName)
	assert.Equal(t, "status", queued.Entries[1].FieldName)
	assert.Equal(t, "Signed", queued.Entries[1].NewValue)
	require.Equal(t, health.Open, f.breaker.State())

	f.mem.SetUnreachable(false)
	f.clock.Advance(5 * time.Second)
	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	full, err := f.coord.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.False(t, full.Degraded)
	require.Len(t, full.Entries, 4)
	assert.Equal(t, historyIDs(queued.Entries), historyIDs(full.Entries[2:]))
	assert.True(t, queued.Entries[0].Timestamp.Equal(full.Entries[2].Timestamp))
	assert.True(t, queued.Entries[1].Timestamp.Equal(full.Entries[3].Timestamp))

	_, _, err = f.coord.MigrateAll(ctx)
	require.NoError(t, err)
	again, err := f.coord.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, historyIDs(full.Entries), historyIDs(again.Entries))
}

func TestAnnotationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)
	assert.Equal(t, models.StatusDraft, a.Status)
	assert.Equal(t, 1, a.Version)

	_, err := f.coord.CreateAnnotation(ctx, id, nil, "alice")
	var ce *store.ConflictError
	require.ErrorAs(t, err, &ce)

	_, err = f.coord.ValidateAnnotation(ctx, id, a.Version, "carol", "")
	var ve *store.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "party")

	a, err = f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)

	_, err = f.coord.CommitAnnotation(ctx, id, a.Version, "carol")
	require.ErrorAs(t, err, &ve)

	a, err = f.coord.ValidateAnnotation(ctx, id, a.Version, "carol", "checked")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, a.Status)
	assert.Equal(t, "carol", a.ValidatedBy)
	require.NotNil(t, a.ValidatedAt)

	a, err = f.coord.CommitAnnotation(ctx, id, a.Version, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommitted, a.Status)
	assert.Equal(t, 4, a.Version)

	_, err = f.coord.UpdateField(ctx, id, "amount", 5, a.Version, "alice")
	require.ErrorAs(t, err, &ve)

	payload, err := f.mem.GetAnnotation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommitted, payload.Status)

	stats, err := f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Metadata.AnnotationsByStatus[models.StatusCommitted])
}

func TestCreateAnnotationNormalisesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "a.pdf")
	_, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	require.NoError(t, err)

	a, err := f.coord.CreateAnnotation(ctx, id, models.JSONMap{"amount": "42", "unknown": 1}, "model", AIGenerated(true))
	require.NoError(t, err)
	assert.Equal(t, models.JSONMap{"amount": float64(42)}, a.Values)
	assert.True(t, a.AIGenerated)
	assert.True(t, a.Fallback)
	assert.Equal(t, models.SyncSynced, a.SyncState)
}

func TestSaveDocumentMetadataQueuesWhileDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.document(t, "a.pdf")

	f.mem.SetUnreachable(true)
	state, err := f.coord.SaveDocumentMetadata(ctx, id, models.JSONMap{"author": "Dana"})
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, state)

	// A later save replaces the queued attributes.
	state, err = f.coord.SaveDocumentMetadata(ctx, id, models.JSONMap{"author": "Dana", "pages": 7})
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, state)

	f.mem.SetUnreachable(false)
	res, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	md, err := f.mem.GetDocumentMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Dana", md.Attributes["author"])
	assert.EqualValues(t, 7, md.Attributes["pages"])

	_, err = f.coord.SaveDocumentMetadata(ctx, models.NewDocumentID(), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMigrateAllRebuildsDocumentStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, a := f.annotated(t)
	_, err := f.coord.UpdateField(ctx, id, "party", "ACME", a.Version, "alice")
	require.NoError(t, err)

	require.NoError(t, f.mem.Reset(ctx))
	n, res, err := f.coord.MigrateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, res.Synced)
	assert.False(t, res.BreakerOpen)

	ds, err := f.mem.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ds.Schemas)
	assert.EqualValues(t, 1, ds.Annotations)

	stats, err := f.coord.GetCombinedStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, stats.Status)
}

func TestMigrateAllStopsOnOpenBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.annotated(t)
	f.tripBreaker(t)

	n, res, err := f.coord.MigrateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, res.BreakerOpen)
	assert.Zero(t, res.Synced)
}

func TestMetadataStoreFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	id := f.document(t, "a.pdf")
	require.NoError(t, f.meta.Close())

	_, err := f.coord.CreateSchema(context.Background(), id, contractSchema(), "alice")
	var pe *store.PermanentStoreError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, f.mem.Writes())
}

func TestExpiredDeadlineIsTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.document(t, "a.pdf")
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
	var te *store.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.mem.Writes())
}

// cancellingDocs cancels the caller's context from inside UpsertSchema, as
// a client giving up mid-request would.
type cancellingDocs struct {
	*memstore.DocumentStore
	cancel context.CancelFunc
}

func (d *cancellingDocs) UpsertSchema(ctx context.Context, schema *models.AnnotationSchema) error {
	if d.cancel != nil {
		d.cancel()
		return store.Transient("upsert schema", ctx.Err())
	}
	return d.DocumentStore.UpsertSchema(ctx, schema)
}

func TestCallerCancellationDoesNotOpenBreaker(t *testing.T) {
	var docs *cancellingDocs
	f := newFixture(t, func(o *fixtureOptions) {
		o.wrap = func(mem *memstore.DocumentStore) store.DocumentStore {
			docs = &cancellingDocs{DocumentStore: mem}
			return docs
		}
	})
	id := f.document(t, "lease.pdf")

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		docs.cancel = cancel
		schema, err := f.coord.CreateSchema(ctx, id, contractSchema(), "alice")
		require.NoError(t, err)
		assert.Equal(t, models.SyncPending, schema.SyncState)
		cancel()
	}
	require.NoError(t, f.mem.Ping(context.Background()))
	assert.Equal(t, health.Closed, f.breaker.State())

	docs.cancel = nil
	schema, err := f.coord.CreateSchema(context.Background(), id, contractSchema(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, schema.SyncState)

	// The abandoned pushes were recorded and replicate on the next sweep.
	res, err := f.coord.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Synced)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.annotated(t)

	require.NoError(t, f.coord.Reset(ctx))
	ms, err := f.meta.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, ms.Documents)
	ds, err := f.mem.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, ds.Schemas)
}
