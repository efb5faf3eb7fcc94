package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/annosync/pkg/models"
)

type fakeModel struct {
	calls   atomic.Int32
	handler func(n int, w http.ResponseWriter, r *http.Request)
	last    atomic.Value
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/tags" {
		_, _ = w.Write([]byte(`{"models":[]}`))
		return
	}
	var req generateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.last.Store(req)
	n := int(f.calls.Add(1))
	f.handler(n, w, r)
}

func reply(w http.ResponseWriter, text string) {
	_ = json.NewEncoder(w).Encode(generateResponse{Response: text, Done: true})
}

func newTestClient(t *testing.T, h func(n int, w http.ResponseWriter, r *http.Request)) (*Client, *fakeModel, *bytes.Buffer) {
	t.Helper()
	fake := &fakeModel{handler: h}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	profile, err := ProfileByName("default")
	require.NoError(t, err)
	logs := &bytes.Buffer{}
	c := NewClient(NewOllama(srv.URL, "test-model", 5*time.Second), Config{
		Timeout:    200 * time.Millisecond,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Profile:    profile,
		Sampling:   Sampler{ThresholdBytes: 150000, TargetBytes: 120000},
	}, clock.WallClock, zerolog.New(logs), nil)
	return c, fake, logs
}

func countLines(logs *bytes.Buffer, substr string) int {
	n := 0
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestAnalyzeTypeSuccess(t *testing.T) {
	c, fake, logs := newTestClient(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		reply(w, `Sure! {"document_type": "report"}`)
	})

	res := c.AnalyzeType(context.Background(), "Quarterly results", map[string]any{"filename": "q1.pdf"})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, TypeReport, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Cause)
	assert.Zero(t, countLines(logs, `"level":"warn"`))

	req := fake.last.Load().(generateRequest)
	assert.Equal(t, "test-model", req.Model)
	assert.False(t, req.Stream)
	assert.Equal(t, 100, req.Options.NumPredict)
	assert.Equal(t, 131072, req.Options.NumCtx)
	assert.Contains(t, req.Prompt, "q1.pdf")
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	c, fake, logs := newTestClient(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			reply(w, `{"name":"contract","fields":[{"name":"party","type":"entity"}]}`)
		}
	})

	res := c.GenerateSchema(context.Background(), "content", nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), fake.calls.Load())
	require.Len(t, res.Value.Fields, 1)
	assert.Equal(t, "party", res.Value.Fields[0].Name)
	assert.Equal(t, 2, countLines(logs, "inference attempt failed"))
	assert.Zero(t, countLines(logs, `"outcome":"fallback"`))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	c, fake, logs := newTestClient(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	res := c.AnalyzeType(context.Background(), "x", nil)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, UnknownType, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), fake.calls.Load())

	var se *StatusError
	require.True(t, errors.As(res.Cause, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, 1, countLines(logs, `"outcome":"fallback"`))
}

func TestTimeoutOnEveryAttemptFallsBack(t *testing.T) {
	c, fake, logs := newTestClient(t, func(_ int, _ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	start := time.Now()
	res := c.GenerateAnnotations(context.Background(), "content", models.SchemaBody{
		Fields: models.FieldDefinitions{{Name: "title", Type: models.FieldText}},
	})
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, models.JSONMap{}, res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), fake.calls.Load())
	var te *TimeoutError
	assert.True(t, errors.As(res.Cause, &te))
	assert.Less(t, elapsed, 3*200*time.Millisecond+time.Second)

	assert.Equal(t, 3, countLines(logs, "inference attempt failed"))
	assert.Equal(t, 1, countLines(logs, `"outcome":"fallback"`))
}

func TestUnparsableResponseIsRetried(t *testing.T) {
	c, fake, _ := newTestClient(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		reply(w, "I could not find any fields, sorry.")
	})

	res := c.GenerateSchema(context.Background(), "content", nil)
	assert.True(t, res.Fallback())
	assert.Equal(t, FallbackSchema(), res.Value)
	assert.Equal(t, int32(3), fake.calls.Load())
	var ie *InvalidResponseError
	assert.True(t, errors.As(res.Cause, &ie))
}

func TestSchemaWithoutFieldsIsInvalid(t *testing.T) {
	c, _, _ := newTestClient(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		reply(w, `{"name":"nothing"}`)
	})
	res := c.GenerateSchema(context.Background(), "content", nil)
	assert.True(t, res.Fallback())
	assert.Equal(t, "fallback_schema", res.Value.Name)
	assert.Empty(t, res.Value.Fields)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	c, _, _ := newTestClient(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		reply(w, `{"document_type":"EMAIL"}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.AnalyzeType(ctx, "x", nil)
	assert.True(t, res.Fallback())
	assert.Equal(t, 1, res.Attempts)
}

func TestConnectionRefusedIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	logs := &bytes.Buffer{}
	c := NewClient(NewOllama(url, "m", time.Second), Config{
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, clock.WallClock, zerolog.New(logs), nil)

	res := c.GenerateAnnotations(context.Background(), "x", models.SchemaBody{})
	assert.True(t, res.Fallback())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, countLines(logs, "inference attempt failed"))
	assert.Error(t, c.Ping(context.Background()))
}

func TestUnknownDocumentTypeIsInvalid(t *testing.T) {
	_, err := parseDocumentType(`{"document_type":"SPREADSHEET"}`)
	require.Error(t, err)
	got, err := parseDocumentType(`{"document_type":" letter "}`)
	require.NoError(t, err)
	assert.Equal(t, TypeLetter, got)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		err  bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"Here you go:\n{\"a\":{\"b\":2}}\nThanks", `{"a":{"b":2}}`, false},
		{"no json", "", true},
		{"} backwards {", "", true},
	}
	for _, tt := range tests {
		got, err := extractJSON(tt.raw)
		if tt.err {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestProfiles(t *testing.T) {
	fast, err := ProfileByName("fast")
	require.NoError(t, err)
	assert.Equal(t, 32768, fast.NumCtx)
	assert.Equal(t, 2048, fast.withMaxTokens(3000).NumPredict)
	assert.Equal(t, 100, fast.withMaxTokens(100).NumPredict)

	_, err = ProfileByName("huge")
	assert.Error(t, err)
}

func TestPingOK(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	assert.NoError(t, c.Ping(context.Background()))
}
