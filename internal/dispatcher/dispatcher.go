package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
	"marketpulse/internal/monitor"
	"marketpulse/internal/repository"
	"marketpulse/pkg/limiter"
	"marketpulse/pkg/log"
	"marketpulse/pkg/queue"
	"marketpulse/pkg/snowflake"
)

// groupKey scopes batching, rate limiting, and the backlog bound.
type groupKey struct {
	owner   string
	channel string
	target  string
}

// pendingItem is one attempt waiting in a group's backlog.
type pendingItem struct {
	match   *model.AlertMatch
	row     *model.NotificationAttempt
	due     time.Time
	tries   int
}

type group struct {
	frequency model.AlertFrequency
	items     []*pendingItem
}

// Dispatcher consumes alert matches and turns them into channel
// notifications. Per (owner, channel): instant alerts send one
// notification per match, batched alerts coalesce a digest window;
// sends draw from a keyed token bucket and queue in a bounded backlog
// when the bucket is empty, shedding oldest on overflow.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	bus      queue.Bus
	alerts   repository.AlertRepository
	attempts repository.AttemptRepository
	metrics  *monitor.Metrics
	idgen    *snowflake.IDGenerator

	senders  map[string]ChannelSender
	limiters map[string]*limiter.KeyedTokenBucket
	// unlimited serves channels without a configured budget.
	unlimited *limiter.KeyedTokenBucket

	mu     sync.Mutex
	groups map[groupKey]*group

	wg sync.WaitGroup
}

// New creates a dispatcher with the given channel senders
func New(
	cfg config.DispatcherConfig,
	bus queue.Bus,
	alerts repository.AlertRepository,
	attempts repository.AttemptRepository,
	metrics *monitor.Metrics,
	idgen *snowflake.IDGenerator,
	senders ...ChannelSender,
) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		bus:       bus,
		alerts:    alerts,
		attempts:  attempts,
		metrics:   metrics,
		idgen:     idgen,
		senders:   make(map[string]ChannelSender, len(senders)),
		limiters:  make(map[string]*limiter.KeyedTokenBucket, len(cfg.Channels)),
		unlimited: limiter.NewKeyedTokenBucket(rate.Inf, 1),
		groups:    make(map[groupKey]*group),
	}

	for _, sender := range senders {
		d.senders[sender.Channel()] = sender
	}
	for channel, limit := range cfg.Channels {
		perSecond := rate.Limit(limit.Rate / limit.Window.Seconds())
		d.limiters[channel] = limiter.NewKeyedTokenBucket(perSecond, limit.Burst)
	}

	return d
}

// Start launches one consumer per alert-matches partition plus the
// backlog flush loop.
func (d *Dispatcher) Start(ctx context.Context) {
	partitions := d.bus.Partitions(queue.TopicAlertMatches)
	for partition := 0; partition < partitions; partition++ {
		d.wg.Add(1)
		go func(partition int) {
			defer d.wg.Done()
			d.consumeLoop(ctx, partition)
		}(partition)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.flushLoop(ctx)
	}()

	log.Infof("dispatcher started with %d partition consumers", partitions)
}

// Wait blocks until all dispatcher goroutines have stopped
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context, partition int) {
	for {
		env, err := d.bus.Consume(ctx, queue.TopicAlertMatches, partition)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrBusClosed) {
				return
			}
			log.WithError(err).Error("consume alert match failed")
			continue
		}

		if err := d.accept(ctx, env); err != nil {
			log.WithField("key", env.Key).WithError(err).Error("alert match dead-lettered")
			if dlErr := queue.PublishDead(ctx, d.bus, queue.TopicAlertMatches, env, err); dlErr != nil {
				log.WithError(dlErr).Error("dead-letter publish failed")
			}
			d.metrics.DeadLettered("dispatcher")
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// accept resolves a match's alert and enqueues one attempt per
// configured channel.
func (d *Dispatcher) accept(ctx context.Context, env *queue.Envelope) error {
	var match model.AlertMatch
	if err := json.Unmarshal(env.Value, &match); err != nil {
		return fmt.Errorf("malformed match: %w", err)
	}

	alert, err := d.alerts.GetByID(ctx, match.AlertID)
	if errors.Is(err, repository.ErrAlertNotFound) {
		// Alert deleted between match and dispatch; nothing to send.
		log.WithField("alert_id", match.AlertID).Debug("match for deleted alert dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}

	for _, channel := range alert.Channels {
		if _, ok := d.senders[channel.Channel]; !ok {
			log.WithFields(logrus.Fields{
				"channel":  channel.Channel,
				"alert_id": alert.ID,
			}).Warn("no sender for channel, skipping")
			continue
		}

		row := &model.NotificationAttempt{
			ID:      d.idgen.NextID(),
			MatchID: match.ID,
			Channel: channel.Channel,
			OwnerID: match.OwnerID,
			Target:  channel.Target,
			Status:  model.AttemptStatusPending,
		}
		if err := d.attempts.Create(ctx, row); err != nil {
			if errors.Is(err, repository.ErrDuplicateAttempt) {
				// At-least-once redelivery: the attempt row already
				// exists and is being worked, nothing new to enqueue.
				log.WithFields(logrus.Fields{
					"match_id": match.ID,
					"channel":  channel.Channel,
				}).Debug("attempt already recorded, redelivery skipped")
				continue
			}
			return fmt.Errorf("create attempt: %w", err)
		}

		d.enqueue(ctx, alert, &match, row)
	}

	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, alert *model.Alert, match *model.AlertMatch, row *model.NotificationAttempt) {
	key := groupKey{owner: match.OwnerID, channel: row.Channel, target: row.Target}
	now := time.Now()

	due := now
	if alert.Frequency == model.AlertFrequencyBatched {
		due = now.Add(d.cfg.BatchWindow)
	}

	d.mu.Lock()
	g, ok := d.groups[key]
	if !ok {
		g = &group{frequency: alert.Frequency}
		d.groups[key] = g
	}
	if len(g.items) > 0 && g.frequency == model.AlertFrequencyBatched {
		// Join the open digest window instead of extending it.
		due = g.items[0].due
	}

	var shed *pendingItem
	if len(g.items) >= d.cfg.BacklogSize {
		shed = g.items[0]
		g.items = g.items[1:]
	}
	g.items = append(g.items, &pendingItem{match: match, row: row, due: due})
	depth := len(g.items)
	d.mu.Unlock()

	d.metrics.BacklogDepth(row.Channel, depth)

	if shed != nil {
		d.metrics.BacklogDropped()
		log.WithFields(logrus.Fields{
			"owner_id": key.owner,
			"channel":  key.channel,
		}).Warn("backlog full, oldest attempt shed")
		d.finishDead(ctx, shed, "shed on backlog overflow")
	}
}

func (d *Dispatcher) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.flush(ctx, now)
		}
	}
}

// flush walks every group and sends what is due and affordable.
func (d *Dispatcher) flush(ctx context.Context, now time.Time) {
	d.mu.Lock()
	keys := make([]groupKey, 0, len(d.groups))
	for key := range d.groups {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.flushGroup(ctx, key, now)
	}
}

func (d *Dispatcher) flushGroup(ctx context.Context, key groupKey, now time.Time) {
	bucket := d.limiterFor(key.channel)
	rateKey := key.owner + ":" + key.channel

	for {
		d.mu.Lock()
		g, ok := d.groups[key]
		if !ok || len(g.items) == 0 || g.items[0].due.After(now) {
			d.mu.Unlock()
			return
		}

		allowed, _ := bucket.Allow(ctx, rateKey)
		if !allowed {
			// Budget exhausted: items stay queued, never dropped here.
			d.mu.Unlock()
			return
		}

		var batch []*pendingItem
		if g.frequency == model.AlertFrequencyBatched {
			// One digest consumes the whole due window in one token.
			for len(g.items) > 0 && !g.items[0].due.After(now) {
				batch = append(batch, g.items[0])
				g.items = g.items[1:]
			}
		} else {
			batch = []*pendingItem{g.items[0]}
			g.items = g.items[1:]
		}
		depth := len(g.items)
		d.mu.Unlock()

		d.metrics.BacklogDepth(key.channel, depth)
		d.deliver(ctx, key, batch)

		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, key groupKey, batch []*pendingItem) {
	sender := d.senders[key.channel]

	payload := &Payload{
		OwnerID: key.owner,
		Target:  key.target,
		Matches: make([]*model.AlertMatch, 0, len(batch)),
	}
	for _, item := range batch {
		payload.Matches = append(payload.Matches, item.match)
	}

	// The first attempt's key identifies the whole digest on retry.
	err := sender.Send(ctx, payload, batch[0].row.IdempotencyKey())
	if err == nil {
		for _, item := range batch {
			d.finishSent(ctx, item)
		}
		return
	}

	if IsPermanent(err) {
		d.metrics.NotificationFailed(key.channel, "permanent")
		for _, item := range batch {
			d.finishDead(ctx, item, err.Error())
		}
		return
	}

	// Transient: record the failure and requeue with backoff, up to
	// the attempt budget.
	d.metrics.NotificationFailed(key.channel, "transient")
	for _, item := range batch {
		item.tries++
		if item.tries >= d.cfg.MaxAttempts {
			d.finishDead(ctx, item, err.Error())
			continue
		}

		if markErr := d.attempts.MarkFailed(ctx, item.row.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("mark attempt failed")
		}
		item.due = time.Now().Add(d.cfg.RetryBaseDelay << (item.tries - 1))
		d.requeue(key, item)
	}
}

func (d *Dispatcher) requeue(key groupKey, item *pendingItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[key]
	if !ok {
		g = &group{}
		d.groups[key] = g
	}
	g.items = append(g.items, item)
}

func (d *Dispatcher) finishSent(ctx context.Context, item *pendingItem) {
	if err := d.attempts.MarkSent(ctx, item.row.ID); err != nil {
		log.WithError(err).Error("mark attempt sent")
	}
	d.metrics.NotificationSent(item.row.Channel)
	d.publishOutcome(ctx, item, model.AttemptStatusSent, "")
}

func (d *Dispatcher) finishDead(ctx context.Context, item *pendingItem, cause string) {
	if err := d.attempts.MarkDeadLettered(ctx, item.row.ID, cause); err != nil {
		log.WithError(err).Error("mark attempt dead-lettered")
	}
	d.metrics.DeadLettered("dispatcher")
	d.publishOutcome(ctx, item, model.AttemptStatusDeadLettered, cause)

	data, err := json.Marshal(item.row)
	if err != nil {
		return
	}
	env := &queue.Envelope{Key: item.row.OwnerID + ":" + item.row.Channel, Value: data}
	if err := queue.PublishDead(ctx, d.bus, queue.TopicNotificationOutbox, env, errors.New(cause)); err != nil {
		log.WithError(err).Error("dead-letter publish failed")
	}
}

// publishOutcome reports every terminal attempt transition on the
// notification-outbox topic.
func (d *Dispatcher) publishOutcome(ctx context.Context, item *pendingItem, status model.AttemptStatus, cause string) {
	outcome := model.DeliveryOutcome{
		AttemptID: item.row.ID,
		MatchID:   item.row.MatchID,
		OwnerID:   item.row.OwnerID,
		Channel:   item.row.Channel,
		Status:    status,
		Error:     cause,
		At:        time.Now().UTC(),
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	key := outcome.OwnerID + ":" + outcome.Channel
	if err := d.bus.Publish(ctx, queue.TopicNotificationOutbox, key, data); err != nil {
		log.WithError(err).Error("publish delivery outcome failed")
	}
}

func (d *Dispatcher) limiterFor(channel string) *limiter.KeyedTokenBucket {
	if bucket, ok := d.limiters[channel]; ok {
		return bucket
	}
	return d.unlimited
}
