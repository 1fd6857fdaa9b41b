package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrydata/quarry/internal/changedetect"
	"github.com/quarrydata/quarry/internal/fetcher"
	"github.com/quarrydata/quarry/internal/pipeline"
)

type openLimiter struct{}

func (openLimiter) Acquire(context.Context, string) error { return nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestClient(t *testing.T, headers map[string]string) *Client {
	t.Helper()
	return New(
		Config{UserAgent: "quarry-test/0.1", Timeout: 5 * time.Second, Headers: headers},
		fetcher.NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond),
		openLimiter{},
		changedetect.NewHasher(),
		&fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		nil,
	)
}

func TestFetch_ReturnsBodyAndHash(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 10.5}`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	payload, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"price": 10.5}`, string(payload.Body))
	require.NotEmpty(t, payload.ContentHash)
	require.False(t, payload.FetchedAt.IsZero())
}

func TestFetch_AppendsQueryParams(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "desc", r.URL.Query().Get("sort"))
		require.Equal(t, "widgets", r.URL.Query().Get("category"))
		require.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	_, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL + "?page=1",
		Params:  map[string]string{"sort": "desc", "category": "widgets"},
	})
	require.NoError(t, err)
}

func TestFetch_SendsConfiguredHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		require.Equal(t, "quarry-test/0.1", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, map[string]string{"Authorization": "Bearer token123"})
	_, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL,
	})
	require.NoError(t, err)
}

func TestFetch_RetriesOn429WithRetryAfter(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	payload, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.JSONEq(t, `{"ok": true}`, string(payload.Body))
}

func TestFetch_ServerErrorExhaustsAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	_, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL,
	})
	require.Error(t, err)
	require.True(t, pipeline.IsTransient(err))
	require.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	_, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: srv.URL,
	})
	require.Error(t, err)
	require.False(t, pipeline.IsTransient(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestFetch_MalformedURL(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, nil)
	_, err := c.Fetch(context.Background(), pipeline.Source{
		Kind:    pipeline.SourceKindAPI,
		Locator: "://bad",
	})
	require.Error(t, err)
	require.False(t, pipeline.IsTransient(err))
}
