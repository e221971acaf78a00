package collector

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
	"marketpulse/internal/monitor"
	"marketpulse/pkg/breaker"
	"marketpulse/pkg/log"
	"marketpulse/pkg/queue"
)

var (
	// ErrInvalidTask the task is missing parameters its kind requires
	ErrInvalidTask = errors.New("invalid collection task")
	// ErrQueueFull the task queue is at capacity
	ErrQueueFull = errors.New("task queue is full")
	// ErrTaskNotFound no task with the given id has been submitted
	ErrTaskNotFound = errors.New("task not found")
)

// pollInterval bounds how long an idle worker sleeps before rechecking
// the queue for tasks that became ready.
const pollInterval = 50 * time.Millisecond

// queuedTask is a task plus its scheduling state. Attempts counts
// failed fetches, not breaker deferrals.
type queuedTask struct {
	task     model.CollectionTask
	attempts int
}

// taskHeap orders tasks by priority, then by earliest not-before.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Collector runs the collection engine: a bounded priority queue of
// tasks drained by a fixed worker pool. Every request goes through the
// rotator's schedule, failures are retried with exponential backoff,
// and repeated block responses open a circuit that pauses the whole
// pool rather than hammering the source.
type Collector struct {
	cfg     config.CollectorConfig
	rotator *Rotator
	fetcher Fetcher
	bus     queue.Bus
	metrics *monitor.Metrics
	breaker *breaker.CircuitBreaker

	mu       sync.Mutex
	tasks    taskHeap
	statuses map[string]model.TaskStatus
	rng      *rand.Rand

	wg sync.WaitGroup
}

// New creates a collector. The fetcher is injected so tests can run
// the full task lifecycle without a network.
func New(cfg config.CollectorConfig, rotator *Rotator, fetcher Fetcher, bus queue.Bus, metrics *monitor.Metrics) *Collector {
	cb := breaker.NewCircuitBreaker("collector-fetch", breaker.Config{
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts breaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to breaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("fetch breaker state changed")
		},
	})

	return &Collector{
		cfg:      cfg,
		rotator:  rotator,
		fetcher:  fetcher,
		bus:      bus,
		metrics:  metrics,
		breaker:  cb,
		statuses: make(map[string]model.TaskStatus),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit enqueues a collection task. Tasks are accepted while the
// queue has capacity; rejection is the caller's backpressure signal.
func (c *Collector) Submit(task model.CollectionTask) error {
	if !task.Valid() {
		return ErrInvalidTask
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tasks) >= c.cfg.QueueCapacity {
		return ErrQueueFull
	}

	heap.Push(&c.tasks, &queuedTask{task: task})
	c.statuses[task.TaskID] = model.TaskStatusQueued
	c.metrics.TaskSubmitted()

	log.WithFields(logrus.Fields{
		"task_id":  task.TaskID,
		"kind":     task.Kind,
		"priority": task.Priority,
	}).Debug("task submitted")

	return nil
}

// TaskStatus reports the current state of a submitted task
func (c *Collector) TaskStatus(taskID string) (model.TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[taskID]
	if !ok {
		return "", ErrTaskNotFound
	}
	return status, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Wait blocks until they have drained.
func (c *Collector) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker(ctx)
		}()
	}
	log.Infof("collector started with %d workers", c.cfg.Concurrency)
}

// Wait blocks until all workers have stopped
func (c *Collector) Wait() {
	c.wg.Wait()
}

func (c *Collector) worker(ctx context.Context) {
	for {
		qt := c.pop()
		if qt == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		c.process(ctx, qt)

		if ctx.Err() != nil {
			return
		}
	}
}

// pop removes the highest-priority ready task, or nil when no task is
// ready yet. The heap root may be a deferred task (retry backoff,
// breaker cooldown), so the scan has to consider every entry: a ready
// task must never wait behind one whose NotBefore is in the future.
func (c *Collector) pop() *queuedTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	best := -1
	for i := range c.tasks {
		if c.tasks[i].task.NotBefore.After(now) {
			continue
		}
		if best == -1 || c.tasks.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(&c.tasks, best).(*queuedTask)
}

func (c *Collector) requeue(qt *queuedTask, status model.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	heap.Push(&c.tasks, qt)
	c.statuses[qt.task.TaskID] = status
}

func (c *Collector) setStatus(taskID string, status model.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[taskID] = status
}

func (c *Collector) process(ctx context.Context, qt *queuedTask) {
	c.setStatus(qt.task.TaskID, model.TaskStatusFetching)

	schedule := c.rotator.Next()
	select {
	case <-ctx.Done():
		// Shutdown mid-flight: the task was never fetched, put it back.
		c.requeue(qt, model.TaskStatusQueued)
		return
	case <-time.After(schedule.Delay):
	}

	target := c.buildURL(qt.task)

	var (
		payload  *Payload
		fetchErr error
	)
	execErr := c.breaker.Execute(ctx, func() error {
		payload, fetchErr = c.fetcher.Fetch(ctx, target, schedule)
		if fe, ok := AsFetchError(fetchErr); ok && fe.Kind == KindBlocked {
			return fetchErr
		}
		return nil
	})

	if breaker.IsCircuitBreakerError(execErr) {
		// The pool is paused. The deferral is not an attempt; the task
		// waits out the cooldown and tries again.
		c.metrics.BreakerPaused()
		qt.task.NotBefore = time.Now().Add(c.cfg.BreakerCooldown)
		c.requeue(qt, model.TaskStatusQueued)
		return
	}

	if fetchErr != nil {
		c.onFetchFailure(ctx, qt, fetchErr)
		return
	}

	c.metrics.FetchResult("ok")
	c.onFetchSuccess(ctx, qt, payload)
}

func (c *Collector) onFetchFailure(ctx context.Context, qt *queuedTask, err error) {
	fe, ok := AsFetchError(err)
	if !ok {
		// Context cancellation surfaces as a plain error; the task
		// goes back untouched for the next run.
		if ctx.Err() != nil {
			c.requeue(qt, model.TaskStatusQueued)
			return
		}
		fe = &FetchError{Kind: KindConnection, Err: err}
	}

	c.metrics.FetchResult(string(fe.Kind))

	// A vanished detail page is a signal, not a failure: the listing
	// was removed and downstream must learn that.
	if qt.task.Kind == model.TaskKindDetail && fe.Kind == KindHTTPStatus &&
		(fe.Status == http.StatusNotFound || fe.Status == http.StatusGone) {
		c.publishRemoved(ctx, qt.task)
		c.setStatus(qt.task.TaskID, model.TaskStatusExtracted)
		return
	}

	qt.attempts++
	if qt.attempts > c.cfg.MaxRetries {
		c.setStatus(qt.task.TaskID, model.TaskStatusFailed)
		c.metrics.TaskFailed()
		log.WithFields(logrus.Fields{
			"task_id":  qt.task.TaskID,
			"attempts": qt.attempts,
		}).WithError(err).Error("task failed, retries exhausted")
		return
	}

	backoff := c.backoff(qt.attempts)
	qt.task.NotBefore = time.Now().Add(backoff)
	c.metrics.TaskRetried()
	c.requeue(qt, model.TaskStatusRetrying)

	log.WithFields(logrus.Fields{
		"task_id": qt.task.TaskID,
		"attempt": qt.attempts,
		"backoff": backoff,
		"kind":    fe.Kind,
	}).Warn("fetch failed, task re-enqueued")
}

func (c *Collector) onFetchSuccess(ctx context.Context, qt *queuedTask, payload *Payload) {
	candidates, dropped, err := Extract(payload.Body, qt.task.Kind)
	if err != nil {
		// The whole payload is unparseable. Refetching the same page
		// would return the same bytes, so retrying is pointless.
		c.setStatus(qt.task.TaskID, model.TaskStatusFailed)
		c.metrics.TaskFailed()
		log.WithField("task_id", qt.task.TaskID).WithError(err).Error("extraction failed")
		return
	}

	if dropped > 0 {
		c.metrics.CandidatesDropped(dropped)
	}

	published := 0
	for _, candidate := range candidates {
		raw := toRawListing(candidate, c.cfg.Source, payload.FetchedAt)
		if err := c.publishListing(ctx, raw); err != nil {
			log.WithFields(logrus.Fields{
				"task_id":     qt.task.TaskID,
				"external_id": raw.ExternalID,
			}).WithError(err).Error("publish raw listing failed")
			continue
		}
		published++
	}

	c.setStatus(qt.task.TaskID, model.TaskStatusExtracted)

	log.WithFields(logrus.Fields{
		"task_id":   qt.task.TaskID,
		"kind":      qt.task.Kind,
		"published": published,
		"dropped":   dropped,
	}).Info("task extracted")
}

func (c *Collector) publishListing(ctx context.Context, raw model.RawListing) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, queue.TopicRawListings, raw.ExternalID, data); err != nil {
		return err
	}
	c.metrics.ListingPublished()
	return nil
}

func (c *Collector) publishRemoved(ctx context.Context, task model.CollectionTask) {
	raw := model.RawListing{
		ExternalID: task.ExternalID,
		Source:     c.cfg.Source,
		Removed:    true,
		ObservedAt: time.Now().UTC(),
	}
	if err := c.publishListing(ctx, raw); err != nil {
		log.WithField("external_id", task.ExternalID).WithError(err).Error("publish removed listing failed")
		return
	}
	log.WithField("external_id", task.ExternalID).Info("listing removed at source")
}

// backoff returns the delay before attempt n, exponential with jitter
// so retrying workers do not re-align into a detectable burst.
func (c *Collector) backoff(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay << (attempt - 1)

	c.mu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(c.cfg.RetryBaseDelay)))
	c.mu.Unlock()

	return base + jitter
}

func (c *Collector) buildURL(task model.CollectionTask) string {
	if task.Kind == model.TaskKindDetail {
		return fmt.Sprintf("%s/listing/%s", c.cfg.BaseURL, url.PathEscape(task.ExternalID))
	}

	params := url.Values{}
	params.Set("q", task.Query)
	if task.Location != "" {
		params.Set("location", task.Location)
	}
	if task.MinPrice != nil {
		params.Set("min_price", fmt.Sprintf("%g", *task.MinPrice))
	}
	if task.MaxPrice != nil {
		params.Set("max_price", fmt.Sprintf("%g", *task.MaxPrice))
	}
	return fmt.Sprintf("%s/search?%s", c.cfg.BaseURL, params.Encode())
}
