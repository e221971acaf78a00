package collector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
	"marketpulse/internal/monitor"
	"marketpulse/pkg/queue"
)

// fakeFetcher returns scripted results and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	handler func(call int, rawURL string) (*Payload, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, schedule Schedule) (*Payload, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.handler(call, rawURL)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testCollectorConfig() config.CollectorConfig {
	return config.CollectorConfig{
		Source:          "testmarket",
		BaseURL:         "https://market.test",
		Concurrency:     1,
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		FetchTimeout:    time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  5 * time.Millisecond,
		BreakerCooldown: 10 * time.Second,
		QueueCapacity:   100,
	}
}

func newTestCollector(cfg config.CollectorConfig, fetcher Fetcher) (*Collector, *queue.MemoryBus) {
	bus := queue.NewMemoryBus(&queue.MemoryBusConfig{Partitions: 1, BufferSize: 100})
	metrics := monitor.New(prometheus.NewRegistry())
	return New(cfg, NewRotator(cfg), fetcher, bus, metrics), bus
}

func TestSubmitValidation(t *testing.T) {
	c, _ := newTestCollector(testCollectorConfig(), &fakeFetcher{})

	err := c.Submit(model.CollectionTask{TaskID: "t1", Kind: model.TaskKindSearch})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = c.Submit(model.CollectionTask{TaskID: "t2", Kind: model.TaskKindDetail})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = c.Submit(model.CollectionTask{TaskID: "t3", Kind: "prune"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testCollectorConfig()
	cfg.QueueCapacity = 1
	c, _ := newTestCollector(cfg, &fakeFetcher{})

	require.NoError(t, c.Submit(model.CollectionTask{TaskID: "t1", Kind: model.TaskKindSearch, Query: "bike"}))
	err := c.Submit(model.CollectionTask{TaskID: "t2", Kind: model.TaskKindSearch, Query: "desk"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestTaskStatusUnknown(t *testing.T) {
	c, _ := newTestCollector(testCollectorConfig(), &fakeFetcher{})

	_, err := c.TaskStatus("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSearchTaskPublishesListings(t *testing.T) {
	payload := `{"listings":[
		{"id":"L-1","title":"Bike","price":120,"currency":"USD"},
		{"id":"L-2","title":"Helmet","price":30,"currency":"USD"}
	]}`
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		assert.Contains(t, rawURL, "/search?")
		assert.Contains(t, rawURL, "q=bike")
		return &Payload{Body: []byte(payload), Status: 200, FetchedAt: time.Now()}, nil
	}}
	c, bus := newTestCollector(testCollectorConfig(), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.Submit(model.CollectionTask{TaskID: "s1", Kind: model.TaskKindSearch, Query: "bike"}))

	seen := map[string]model.RawListing{}
	for i := 0; i < 2; i++ {
		consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		env, err := bus.Consume(consumeCtx, queue.TopicRawListings, 0)
		consumeCancel()
		require.NoError(t, err)

		var raw model.RawListing
		require.NoError(t, json.Unmarshal(env.Value, &raw))
		assert.Equal(t, raw.ExternalID, env.Key)
		seen[raw.ExternalID] = raw
	}

	require.Contains(t, seen, "L-1")
	require.Contains(t, seen, "L-2")
	assert.Equal(t, "testmarket", seen["L-1"].Source)
	assert.Equal(t, "Bike", seen["L-1"].Title)

	require.Eventually(t, func() bool {
		status, err := c.TaskStatus("s1")
		return err == nil && status == model.TaskStatusExtracted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryExhaustion(t *testing.T) {
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		return nil, &FetchError{Kind: KindTimeout, URL: rawURL}
	}}
	cfg := testCollectorConfig()
	c, _ := newTestCollector(cfg, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.Submit(model.CollectionTask{TaskID: "r1", Kind: model.TaskKindSearch, Query: "sofa"}))

	require.Eventually(t, func() bool {
		status, err := c.TaskStatus("r1")
		return err == nil && status == model.TaskStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus exactly MaxRetries retries, never more.
	assert.Equal(t, cfg.MaxRetries+1, fetcher.callCount())
}

func TestRecoveryAfterRetry(t *testing.T) {
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		if call == 1 {
			return nil, &FetchError{Kind: KindConnection, URL: rawURL}
		}
		return &Payload{Body: []byte(`[{"id":"L-9","title":"Lamp"}]`), Status: 200, FetchedAt: time.Now()}, nil
	}}
	c, bus := newTestCollector(testCollectorConfig(), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.Submit(model.CollectionTask{TaskID: "r2", Kind: model.TaskKindSearch, Query: "lamp"}))

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer consumeCancel()
	env, err := bus.Consume(consumeCtx, queue.TopicRawListings, 0)
	require.NoError(t, err)
	assert.Equal(t, "L-9", env.Key)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestDetailGonePublishesRemoved(t *testing.T) {
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		assert.Contains(t, rawURL, "/listing/gone-1")
		return nil, &FetchError{Kind: KindHTTPStatus, URL: rawURL, Status: 404}
	}}
	c, bus := newTestCollector(testCollectorConfig(), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.Submit(model.CollectionTask{TaskID: "d1", Kind: model.TaskKindDetail, ExternalID: "gone-1"}))

	consumeCtx, consumeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer consumeCancel()
	env, err := bus.Consume(consumeCtx, queue.TopicRawListings, 0)
	require.NoError(t, err)

	var raw model.RawListing
	require.NoError(t, json.Unmarshal(env.Value, &raw))
	assert.Equal(t, "gone-1", raw.ExternalID)
	assert.True(t, raw.Removed)

	// A confirmed removal resolves the task; a 404 is not retried.
	require.Eventually(t, func() bool {
		status, err := c.TaskStatus("d1")
		return err == nil && status == model.TaskStatusExtracted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestDeferredTaskDoesNotStarveReadyTasks(t *testing.T) {
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		return &Payload{Body: []byte(`[{"id":"L-7","title":"Desk"}]`), Status: 200, FetchedAt: time.Now()}, nil
	}}
	c, _ := newTestCollector(testCollectorConfig(), fetcher)

	// A high-priority task deferred into the future sits at the heap
	// root; the ready low-priority task behind it must still run.
	require.NoError(t, c.Submit(model.CollectionTask{
		TaskID:    "deferred",
		Kind:      model.TaskKindSearch,
		Query:     "rare",
		Priority:  10,
		NotBefore: time.Now().Add(time.Hour),
	}))
	require.NoError(t, c.Submit(model.CollectionTask{
		TaskID:    "ready",
		Kind:      model.TaskKindSearch,
		Query:     "desk",
		Priority:  1,
		NotBefore: time.Now().Add(-time.Minute),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool {
		status, err := c.TaskStatus("ready")
		return err == nil && status == model.TaskStatusExtracted
	}, 2*time.Second, 10*time.Millisecond)

	status, err := c.TaskStatus("deferred")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, status)
}

func TestBreakerPausesPoolOnRepeatedBlocks(t *testing.T) {
	fetcher := &fakeFetcher{handler: func(call int, rawURL string) (*Payload, error) {
		return nil, &FetchError{Kind: KindBlocked, URL: rawURL, Status: 403}
	}}
	cfg := testCollectorConfig()
	cfg.MaxRetries = 0
	c, _ := newTestCollector(cfg, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for _, id := range []string{"b1", "b2", "b3", "b4"} {
		require.NoError(t, c.Submit(model.CollectionTask{TaskID: id, Kind: model.TaskKindSearch, Query: id}))
	}

	// Three consecutive block responses trip the breaker; the fourth
	// task is deferred for the cooldown instead of being fetched.
	require.Eventually(t, func() bool {
		failed := 0
		for _, id := range []string{"b1", "b2", "b3", "b4"} {
			if status, err := c.TaskStatus(id); err == nil && status == model.TaskStatusFailed {
				failed++
			}
		}
		return failed == 3
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, fetcher.callCount())
}

func TestBuildURL(t *testing.T) {
	cfg := testCollectorConfig()
	c, _ := newTestCollector(cfg, &fakeFetcher{})

	min, max := 100.0, 500.0
	u := c.buildURL(model.CollectionTask{
		Kind:     model.TaskKindSearch,
		Query:    "road bike",
		Location: "Portland",
		MinPrice: &min,
		MaxPrice: &max,
	})
	assert.Contains(t, u, "https://market.test/search?")
	assert.Contains(t, u, "q=road+bike")
	assert.Contains(t, u, "location=Portland")
	assert.Contains(t, u, "min_price=100")
	assert.Contains(t, u, "max_price=500")

	u = c.buildURL(model.CollectionTask{Kind: model.TaskKindDetail, ExternalID: "abc 1"})
	assert.Equal(t, "https://market.test/listing/abc%201", u)
}
