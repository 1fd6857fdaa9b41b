package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrydata/quarry/internal/anomaly"
	"github.com/quarrydata/quarry/internal/changedetect"
	"github.com/quarrydata/quarry/internal/cleaner"
	"github.com/quarrydata/quarry/internal/orchestrator"
	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/quality"
	"github.com/quarrydata/quarry/internal/review"
	"github.com/quarrydata/quarry/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeFetcher struct {
	bodies map[string]string
	clock  pipeline.Clock
}

func (f *fakeFetcher) Fetch(_ context.Context, source pipeline.Source) (pipeline.RawPayload, error) {
	body, ok := f.bodies[source.Locator]
	if !ok {
		return pipeline.RawPayload{}, pipeline.NewPermanentError(404, fmt.Errorf("no canned body for %s", source.Locator))
	}
	hash, err := changedetect.NewHasher().Hash([]byte(body))
	if err != nil {
		return pipeline.RawPayload{}, err
	}
	return pipeline.RawPayload{
		Source:      source,
		Body:        []byte(body),
		FetchedAt:   f.clock.Now(),
		ContentHash: hash,
	}, nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *memory.Store
	gate    *review.Gate
	fetcher *fakeFetcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(&seqIDGen{}, clock)
	gate := review.New(store, &seqIDGen{}, clock, review.Config{Threshold: 0.8, TTL: 48 * time.Hour}, nil)
	fetcher := &fakeFetcher{bodies: make(map[string]string), clock: clock}

	orch := orchestrator.New(
		fetcher,
		fetcher,
		changedetect.New(store),
		cleaner.New(nil),
		quality.New(),
		anomaly.New(anomaly.Config{}),
		gate,
		store,
		nil,
		nil,
		clock,
		orchestrator.Config{Concurrency: 2},
		nil,
	)

	server := NewServer(orch, gate, store, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, gate: gate, fetcher: fetcher}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	require.Equal(t, "ok", body["status"])
}

func TestSubmitRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fetcher.bodies["https://a.example.com"] = `{"name": "A"}`

	resp := env.post(t, "/v1/runs", map[string]any{
		"sources": []map[string]any{
			{"kind": "api", "locator": "https://a.example.com"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			Locator string `json:"locator"`
			Status  string `json:"status"`
			Records int    `json:"records"`
		} `json:"results"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Results, 1)
	require.Equal(t, "https://a.example.com", body.Results[0].Locator)
	require.Equal(t, "success", body.Results[0].Status)
	require.Equal(t, 1, body.Results[0].Records)
}

func TestSubmitRun_BadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/v1/runs", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/runs", map[string]any{"sources": []map[string]any{}})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/runs", map[string]any{
		"sources": []map[string]any{{"kind": "ftp", "locator": "ftp://x"}},
	})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetEntry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	entryID, err := env.store.Put(context.Background(), pipeline.StructuredRecord{
		Fields: map[string]pipeline.FieldValue{
			"name": {Kind: pipeline.FieldTypeString, Str: "Widget"},
		},
	}, pipeline.QualityMetrics{}, pipeline.ReviewApproved)
	require.NoError(t, err)

	resp := env.get(t, "/v1/entries/"+entryID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entry pipeline.StructuredRecord `json:"entry"`
	}
	decode(t, resp, &body)
	require.Equal(t, "Widget", body.Entry.Fields["name"].Str)

	resp = env.get(t, "/v1/entries/missing")
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReviewLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	entryID, err := env.store.Put(ctx, pipeline.StructuredRecord{}, pipeline.QualityMetrics{}, pipeline.ReviewPending)
	require.NoError(t, err)
	item, err := env.gate.Enqueue(ctx, entryID, pipeline.Source{Locator: "https://x.example.com"}, pipeline.QualityMetrics{}, false)
	require.NoError(t, err)

	resp := env.get(t, "/v1/reviews")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Reviews []pipeline.ReviewItem `json:"reviews"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Reviews, 1)
	require.Equal(t, item.ID, list.Reviews[0].ID)

	// Approve requires a reviewer.
	resp = env.post(t, "/v1/reviews/"+item.ID+"/approve", map[string]string{})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/reviews/"+item.ID+"/approve", map[string]string{"reviewer": "alice"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Repeating the same action is a no-op.
	resp = env.post(t, "/v1/reviews/"+item.ID+"/approve", map[string]string{"reviewer": "bob"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The opposite action conflicts.
	resp = env.post(t, "/v1/reviews/"+item.ID+"/reject", map[string]string{"reviewer": "bob", "reason": "nah"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	status, ok := env.store.ReviewStatusOf(entryID)
	require.True(t, ok)
	require.Equal(t, pipeline.ReviewApproved, status)
}

func TestReview_NotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.get(t, "/v1/reviews/missing")
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.post(t, "/v1/reviews/missing/approve", map[string]string{"reviewer": "alice"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.get(t, "/metrics")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
