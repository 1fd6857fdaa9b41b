package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrydata/quarry/internal/anomaly"
	"github.com/quarrydata/quarry/internal/changedetect"
	"github.com/quarrydata/quarry/internal/cleaner"
	"github.com/quarrydata/quarry/internal/pipeline"
	pubmemory "github.com/quarrydata/quarry/internal/publisher/memory"
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

// fakeFetcher serves canned payloads by locator; hashing mirrors the real
// fetchers so change detection behaves normally.
type fakeFetcher struct {
	bodies map[string]string
	errs   map[string]error
	clock  pipeline.Clock
}

func (f *fakeFetcher) Fetch(_ context.Context, source pipeline.Source) (pipeline.RawPayload, error) {
	if err := f.errs[source.Locator]; err != nil {
		return pipeline.RawPayload{}, err
	}
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

type harness struct {
	orch      *Orchestrator
	store     *memory.Store
	gate      *review.Gate
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	fetcher   *fakeFetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(&seqIDGen{}, clock)
	gate := review.New(store, &seqIDGen{}, clock, review.Config{Threshold: 0.8, TTL: 48 * time.Hour}, nil)
	blobs := memory.NewBlobStore()
	publisher := pubmemory.New()
	fetcher := &fakeFetcher{
		bodies: make(map[string]string),
		errs:   make(map[string]error),
		clock:  clock,
	}

	orch := New(
		fetcher,
		fetcher,
		changedetect.New(store),
		cleaner.New(nil),
		quality.New(),
		anomaly.New(anomaly.Config{Contamination: 0.1, Seed: 42}),
		gate,
		store,
		blobs,
		publisher,
		clock,
		Config{Concurrency: 2, Topic: "pipeline-events"},
		nil,
	)
	return &harness{
		orch:      orch,
		store:     store,
		gate:      gate,
		blobs:     blobs,
		publisher: publisher,
		fetcher:   fetcher,
	}
}

func apiSource(locator string) pipeline.Source {
	return pipeline.Source{Kind: pipeline.SourceKindAPI, Locator: locator}
}

func TestRun_ProcessesChangedAndSkipsUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.bodies["https://a.example.com"] = `{"name": "A", "price": 10}`
	h.fetcher.bodies["https://b.example.com"] = `{"name": "B", "price": 20}`
	h.fetcher.bodies["https://c.example.com"] = `{"name": "C", "price": 30}`

	sources := []pipeline.Source{
		apiSource("https://a.example.com"),
		apiSource("https://b.example.com"),
		apiSource("https://c.example.com"),
	}

	// Seed B's hash as already processed.
	hash, err := changedetect.NewHasher().Hash([]byte(h.fetcher.bodies["https://b.example.com"]))
	require.NoError(t, err)
	require.NoError(t, h.store.SetLastHash(ctx, "https://b.example.com", hash))

	results := h.orch.Run(ctx, sources)
	require.Len(t, results, 3)

	// Results come back in input order.
	require.Equal(t, "https://a.example.com", results[0].Source.Locator)
	require.Equal(t, pipeline.StatusSuccess, results[0].Status)
	require.Equal(t, pipeline.StatusSkipped, results[1].Status)
	require.Equal(t, pipeline.StatusSuccess, results[2].Status)

	require.Len(t, results[0].Records, 1)
	require.Empty(t, results[1].Records)
	require.Equal(t, 2, h.store.Len())
}

func TestRun_SecondRunSkipsEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.bodies["https://a.example.com"] = `{"name": "A"}`
	sources := []pipeline.Source{apiSource("https://a.example.com")}

	first := h.orch.Run(ctx, sources)
	require.Equal(t, pipeline.StatusSuccess, first[0].Status)

	second := h.orch.Run(ctx, sources)
	require.Equal(t, pipeline.StatusSkipped, second[0].Status)
	require.Equal(t, 1, h.store.Len())
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.bodies["https://ok.example.com"] = `{"name": "fine"}`
	h.fetcher.errs["https://down.example.com"] = pipeline.NewTransientError(503, errors.New("unreachable"))

	results := h.orch.Run(ctx, []pipeline.Source{
		apiSource("https://down.example.com"),
		apiSource("https://ok.example.com"),
	})

	require.Equal(t, pipeline.StatusError, results[0].Status)
	require.Contains(t, results[0].ErrText, "unreachable")
	require.True(t, pipeline.IsTransient(results[0].Err))

	require.Equal(t, pipeline.StatusSuccess, results[1].Status)

	// The failed source committed nothing, so next run retries it.
	last, err := h.store.GetLastHash(ctx, "https://down.example.com")
	require.NoError(t, err)
	require.Empty(t, last)
}

func TestRun_ValidationFailureRoutesToReview(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://shop.example.com")
	source.Schema = map[string]pipeline.FieldType{"price": pipeline.FieldTypeNumber}
	source.Rules = map[string][]pipeline.Rule{
		"price": {{Kind: pipeline.RuleRange, Min: 0, Max: 1000000}},
	}
	h.fetcher.bodies[source.Locator] = `{"price": 999999999}`

	results := h.orch.Run(ctx, []pipeline.Source{source})
	require.Equal(t, pipeline.StatusSuccess, results[0].Status)
	require.True(t, results[0].NeedsReview)
	require.Len(t, results[0].EntryIDs, 1)

	status, ok := h.store.ReviewStatusOf(results[0].EntryIDs[0])
	require.True(t, ok)
	require.Equal(t, pipeline.ReviewPending, status)
	require.Len(t, h.gate.Pending(ctx), 1)
}

func TestRun_CleanBatchAutoApproves(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://shop.example.com")
	source.Schema = map[string]pipeline.FieldType{
		"name":  pipeline.FieldTypeString,
		"price": pipeline.FieldTypeNumber,
	}
	h.fetcher.bodies[source.Locator] = `[
		{"name": "A", "price": 10},
		{"name": "B", "price": 11},
		{"name": "C", "price": 12}
	]`

	results := h.orch.Run(ctx, []pipeline.Source{source})
	require.Equal(t, pipeline.StatusSuccess, results[0].Status)
	require.False(t, results[0].NeedsReview)
	require.Len(t, results[0].EntryIDs, 3)

	for _, entryID := range results[0].EntryIDs {
		status, ok := h.store.ReviewStatusOf(entryID)
		require.True(t, ok)
		require.Equal(t, pipeline.ReviewApproved, status)
	}
	require.Empty(t, h.gate.Pending(ctx))
}

func TestRun_PublishesEventAndArchivesRaw(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://a.example.com")
	h.fetcher.bodies[source.Locator] = `{"name": "A"}`

	results := h.orch.Run(ctx, []pipeline.Source{source})
	require.Equal(t, pipeline.StatusSuccess, results[0].Status)

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "pipeline-events", messages[0].Topic)

	event, ok := messages[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "https://a.example.com", event["source"])
	require.Equal(t, "success", event["status"])

	hash, err := changedetect.NewHasher().Hash([]byte(`{"name": "A"}`))
	require.NoError(t, err)
	_, archived := h.blobs.Object(fmt.Sprintf("%s/%s.json", hash[:2], hash))
	require.True(t, archived)
}

func TestRun_SkippedSourcePublishesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://a.example.com")
	h.fetcher.bodies[source.Locator] = `{"name": "A"}`

	h.orch.Run(ctx, []pipeline.Source{source})
	h.orch.Run(ctx, []pipeline.Source{source})

	// One publish for the first (processed) run only.
	require.Len(t, h.publisher.Messages(), 1)
}

func TestRun_UndecodablePayloadFailsSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://broken.example.com")
	h.fetcher.bodies[source.Locator] = `{"broken":`

	results := h.orch.Run(ctx, []pipeline.Source{source})
	require.Equal(t, pipeline.StatusError, results[0].Status)

	var parseErr *pipeline.ParseError
	require.ErrorAs(t, results[0].Err, &parseErr)

	// Nothing stored, nothing committed.
	require.Equal(t, 0, h.store.Len())
	last, err := h.store.GetLastHash(ctx, source.Locator)
	require.NoError(t, err)
	require.Empty(t, last)
}

func TestRun_UnsupportedSourceKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	results := h.orch.Run(context.Background(), []pipeline.Source{
		{Kind: "ftp", Locator: "ftp://example.com"},
	})
	require.Equal(t, pipeline.StatusError, results[0].Status)
	require.Contains(t, results[0].ErrText, "unsupported source kind")
}

func TestRun_SmallBatchSkipsAnomalyDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	source := apiSource("https://single.example.com")
	source.Schema = map[string]pipeline.FieldType{"price": pipeline.FieldTypeNumber}
	h.fetcher.bodies[source.Locator] = `{"price": 10}`

	results := h.orch.Run(ctx, []pipeline.Source{source})
	require.Equal(t, pipeline.StatusSuccess, results[0].Status)
	require.Len(t, results[0].EntryIDs, 1)
}

func TestRun_ManySourcesUnderBoundedConcurrency(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	var sources []pipeline.Source
	for i := 0; i < 20; i++ {
		locator := fmt.Sprintf("https://s%d.example.com", i)
		h.fetcher.bodies[locator] = fmt.Sprintf(`{"name": "item-%d"}`, i)
		sources = append(sources, apiSource(locator))
	}

	results := h.orch.Run(ctx, sources)
	require.Len(t, results, 20)
	for i, res := range results {
		require.Equal(t, sources[i].Locator, res.Source.Locator)
		require.Equal(t, pipeline.StatusSuccess, res.Status)
	}
	require.Equal(t, 20, h.store.Len())
}
