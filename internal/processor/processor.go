package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marketpulse/internal/config"
	"marketpulse/internal/model"
	"marketpulse/internal/monitor"
	"marketpulse/internal/repository"
	"marketpulse/pkg/log"
	"marketpulse/pkg/queue"
	"marketpulse/pkg/snowflake"
)

// errMalformed marks a message that can never be processed; it goes
// straight to the dead-letter topic instead of burning retries.
var errMalformed = errors.New("malformed message")

// Processor consumes raw listings, maintains the canonical store, and
// emits alert matches. One goroutine per partition gives per-listing
// serialization: all updates to an external_id flow through the same
// loop in publish order.
type Processor struct {
	cfg      config.ProcessorConfig
	bus      queue.Bus
	listings repository.ListingRepository
	alerts   repository.AlertRepository
	matches  repository.MatchRepository
	metrics  *monitor.Metrics
	idgen    *snowflake.IDGenerator

	// seen answers "might this identity exist?"; a miss skips the
	// lookup entirely. False positives only cost one SELECT.
	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	// content caches the last observed content hash per identity so
	// identical republications reduce to a last_seen_at touch.
	content *bigcache.BigCache

	alertMu sync.RWMutex
	active  []*model.Alert

	wg sync.WaitGroup
}

// New creates a stream processor
func New(
	cfg config.ProcessorConfig,
	bus queue.Bus,
	listings repository.ListingRepository,
	alerts repository.AlertRepository,
	matches repository.MatchRepository,
	metrics *monitor.Metrics,
	idgen *snowflake.IDGenerator,
) (*Processor, error) {
	content, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cfg.ContentCacheTTL))
	if err != nil {
		return nil, fmt.Errorf("create content cache: %w", err)
	}

	return &Processor{
		cfg:      cfg,
		bus:      bus,
		listings: listings,
		alerts:   alerts,
		matches:  matches,
		metrics:  metrics,
		idgen:    idgen,
		seen:     bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFalsePositive),
		content:  content,
	}, nil
}

// Start loads the alert snapshot and launches one consumer per
// raw-listings partition plus the alert refresh loop.
func (p *Processor) Start(ctx context.Context) {
	if err := p.refreshAlerts(ctx); err != nil {
		log.WithError(err).Error("initial alert load failed")
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refreshLoop(ctx)
	}()

	partitions := p.bus.Partitions(queue.TopicRawListings)
	for partition := 0; partition < partitions; partition++ {
		p.wg.Add(1)
		go func(partition int) {
			defer p.wg.Done()
			p.consumeLoop(ctx, partition)
		}(partition)
	}

	log.Infof("processor started with %d partition consumers", partitions)
}

// Wait blocks until all consumer goroutines have stopped
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AlertRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refreshAlerts(ctx); err != nil {
				log.WithError(err).Error("alert refresh failed")
			}
		}
	}
}

func (p *Processor) refreshAlerts(ctx context.Context) error {
	alerts, err := p.alerts.ListActive(ctx)
	if err != nil {
		return err
	}

	p.alertMu.Lock()
	p.active = alerts
	p.alertMu.Unlock()

	log.WithField("count", len(alerts)).Debug("alert snapshot refreshed")
	return nil
}

func (p *Processor) snapshot() []*model.Alert {
	p.alertMu.RLock()
	defer p.alertMu.RUnlock()
	return p.active
}

func (p *Processor) consumeLoop(ctx context.Context, partition int) {
	for {
		env, err := p.bus.Consume(ctx, queue.TopicRawListings, partition)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrBusClosed) {
				return
			}
			log.WithError(err).Error("consume raw listing failed")
			continue
		}

		p.handleWithRetry(ctx, env)

		if ctx.Err() != nil {
			return
		}
	}
}

// handleWithRetry retries transient failures with backoff, then
// forwards the message to the dead-letter topic. The loop always
// advances: one poisoned listing never stalls its partition.
func (p *Processor) handleWithRetry(ctx context.Context, env *queue.Envelope) {
	for attempt := 0; ; attempt++ {
		err := p.handle(ctx, env)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errMalformed) || attempt >= p.cfg.MaxRetries {
			log.WithFields(logrus.Fields{
				"key":      env.Key,
				"attempts": attempt + 1,
			}).WithError(err).Error("listing dead-lettered")

			if dlErr := queue.PublishDead(ctx, p.bus, queue.TopicRawListings, env, err); dlErr != nil {
				log.WithError(dlErr).Error("dead-letter publish failed")
			}
			p.metrics.DeadLettered("processor")
			return
		}

		backoff := p.cfg.RetryBaseDelay << attempt
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (p *Processor) handle(ctx context.Context, env *queue.Envelope) error {
	var raw model.RawListing
	if err := json.Unmarshal(env.Value, &raw); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if raw.ExternalID == "" || raw.Source == "" {
		return fmt.Errorf("%w: missing identity", errMalformed)
	}

	if raw.Removed {
		return p.handleRemoved(ctx, &raw)
	}
	if raw.Sold {
		return p.handleSold(ctx, &raw)
	}

	identity := raw.ExternalID + "\x00" + raw.Source
	hash := contentHash(&raw)

	// Identical republication fast path: nothing changed, so only
	// last_seen_at needs to move.
	if cached, err := p.content.Get(identity); err == nil && string(cached) == hash {
		if err := p.listings.TouchLastSeen(ctx, raw.ExternalID, raw.Source, raw.ObservedAt); err != nil {
			return fmt.Errorf("touch last seen: %w", err)
		}
		p.metrics.ListingUpserted("unchanged")
		return nil
	}

	listing, err := p.upsert(ctx, &raw, identity)
	if err != nil {
		return err
	}

	if err := p.content.Set(identity, []byte(hash)); err != nil {
		log.WithError(err).Warn("content cache set failed")
	}

	return p.evaluateAlerts(ctx, listing)
}

func (p *Processor) handleRemoved(ctx context.Context, raw *model.RawListing) error {
	existing, err := p.listings.GetByIdentity(ctx, raw.ExternalID, raw.Source)
	if errors.Is(err, repository.ErrListingNotFound) {
		// Removal of a listing we never stored is a no-op.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup removed listing: %w", err)
	}
	if existing.IsDeleted {
		return nil
	}

	if err := p.listings.MarkDeleted(ctx, raw.ExternalID, raw.Source); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	p.metrics.ListingUpserted("removed")

	return p.publishUpdate(ctx, model.ListingUpdate{
		ListingID:  existing.ID,
		ExternalID: raw.ExternalID,
		Source:     raw.Source,
		Removed:    true,
		ObservedAt: raw.ObservedAt,
	})
}

// handleSold marks a stored listing sold. Sold is terminal for alert
// matching; the row stays for price history.
func (p *Processor) handleSold(ctx context.Context, raw *model.RawListing) error {
	existing, err := p.listings.GetByIdentity(ctx, raw.ExternalID, raw.Source)
	if errors.Is(err, repository.ErrListingNotFound) {
		// A sold signal for a listing we never stored is a no-op.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup sold listing: %w", err)
	}
	if existing.IsSold {
		return nil
	}

	if err := p.listings.MarkSold(ctx, raw.ExternalID, raw.Source); err != nil {
		return fmt.Errorf("mark sold: %w", err)
	}
	p.metrics.ListingUpserted("sold")

	return p.publishUpdate(ctx, model.ListingUpdate{
		ListingID:  existing.ID,
		ExternalID: raw.ExternalID,
		Source:     raw.Source,
		Sold:       true,
		ObservedAt: raw.ObservedAt,
	})
}

func (p *Processor) upsert(ctx context.Context, raw *model.RawListing, identity string) (*model.CanonicalListing, error) {
	var existing *model.CanonicalListing

	if p.mightExist(identity) {
		found, err := p.listings.GetByIdentity(ctx, raw.ExternalID, raw.Source)
		if err != nil && !errors.Is(err, repository.ErrListingNotFound) {
			return nil, fmt.Errorf("lookup listing: %w", err)
		}
		existing = found
	}

	enrichment := p.enrich(raw)

	if existing == nil {
		listing := newCanonical(raw, enrichment, p.idgen.NextID())
		err := p.listings.Create(ctx, listing)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The filter restarted empty while the row survived;
			// recover by switching to the update path.
			existing, err = p.listings.GetByIdentity(ctx, raw.ExternalID, raw.Source)
			if err != nil {
				return nil, fmt.Errorf("refetch after duplicate: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("create listing: %w", err)
		} else {
			p.remember(identity)
			p.metrics.ListingUpserted("new")
			return listing, nil
		}
	}

	oldPrice := existing.Price
	priceChanged := !samePrice(oldPrice, raw.Price)

	applyRaw(existing, raw, enrichment)
	if err := p.listings.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("update listing: %w", err)
	}
	p.remember(identity)
	p.metrics.ListingUpserted("updated")

	if priceChanged {
		p.metrics.PriceChanged()
		if err := p.publishUpdate(ctx, model.ListingUpdate{
			ListingID:    existing.ID,
			ExternalID:   raw.ExternalID,
			Source:       raw.Source,
			OldPrice:     oldPrice,
			NewPrice:     raw.Price,
			PriceChanged: true,
			ObservedAt:   raw.ObservedAt,
		}); err != nil {
			return nil, err
		}
	}

	return existing, nil
}

func (p *Processor) evaluateAlerts(ctx context.Context, listing *model.CanonicalListing) error {
	if listing.IsDeleted || listing.IsSold {
		return nil
	}

	for _, alert := range p.snapshot() {
		if !Matches(listing, alert) {
			continue
		}

		match := &model.AlertMatch{
			ID:        p.idgen.NextID(),
			AlertID:   alert.ID,
			ListingID: listing.ID,
			OwnerID:   alert.OwnerID,
			MatchedAt: time.Now().UTC(),
		}

		err := p.matches.Create(ctx, match)
		if errors.Is(err, repository.ErrDuplicateMatch) {
			p.metrics.DuplicateMatch()
			continue
		}
		if err != nil {
			return fmt.Errorf("create match: %w", err)
		}

		data, err := json.Marshal(match)
		if err != nil {
			return fmt.Errorf("marshal match: %w", err)
		}
		if err := p.bus.Publish(ctx, queue.TopicAlertMatches, alert.OwnerID, data); err != nil {
			return fmt.Errorf("publish match: %w", err)
		}
		p.metrics.MatchEmitted()

		log.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"listing_id": listing.ID,
			"owner_id":   alert.OwnerID,
		}).Info("alert matched")
	}

	return nil
}

func (p *Processor) publishUpdate(ctx context.Context, update model.ListingUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal listing update: %w", err)
	}
	if err := p.bus.Publish(ctx, queue.TopicListingUpdates, update.ExternalID, data); err != nil {
		return fmt.Errorf("publish listing update: %w", err)
	}
	return nil
}

// enrich never fails the message: any panic in the scoring path
// degrades to zero-confidence enrichment.
func (p *Processor) enrich(raw *model.RawListing) (enrichment Enrichment) {
	defer func() {
		if r := recover(); r != nil {
			enrichment = Enrichment{}
			p.metrics.EnrichmentFallback()
			log.WithField("external_id", raw.ExternalID).Errorf("enrichment panic: %v", r)
		}
	}()
	return Analyze(raw.Title, raw.Description, raw.Price, raw.Category)
}

func (p *Processor) mightExist(identity string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.seen.TestString(identity)
}

func (p *Processor) remember(identity string) {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	p.seen.AddString(identity)
}

func newCanonical(raw *model.RawListing, enrichment Enrichment, id int64) *model.CanonicalListing {
	listing := &model.CanonicalListing{
		ID:          id,
		ExternalID:  raw.ExternalID,
		Source:      raw.Source,
		FirstSeenAt: raw.ObservedAt,
	}
	applyRaw(listing, raw, enrichment)
	return listing
}

// applyRaw overwrites the mutable fields from the latest observation.
func applyRaw(listing *model.CanonicalListing, raw *model.RawListing, enrichment Enrichment) {
	listing.Title = raw.Title
	listing.Price = raw.Price
	listing.Currency = raw.Currency
	listing.Location = raw.Location
	listing.Latitude = raw.Latitude
	listing.Longitude = raw.Longitude
	listing.Category = raw.Category
	listing.Description = raw.Description
	listing.ImageURLs = model.JSONArray(raw.ImageURLs)
	listing.SellerRef = raw.SellerRef
	listing.QualityScore = enrichment.QualityScore
	listing.CategoryConfidence = enrichment.CategoryConfidence
	listing.SuggestedCategory = enrichment.SuggestedCategory
	listing.Keywords = model.JSONArray(enrichment.Keywords)
	listing.SpamScore = enrichment.SpamScore
	listing.LastSeenAt = raw.ObservedAt
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// contentHash fingerprints the observable content of a raw listing.
// ObservedAt is deliberately excluded: re-seeing the same content
// later is exactly the case the fast path exists for.
func contentHash(raw *model.RawListing) string {
	h := fnv.New64a()
	h.Write([]byte(raw.Title))
	h.Write([]byte{0})
	if raw.Price != nil {
		h.Write([]byte(strconv.FormatFloat(*raw.Price, 'g', -1, 64)))
	}
	h.Write([]byte{0})
	h.Write([]byte(raw.Currency))
	h.Write([]byte{0})
	h.Write([]byte(raw.Location))
	h.Write([]byte{0})
	h.Write([]byte(raw.Category))
	h.Write([]byte{0})
	h.Write([]byte(raw.Description))
	return strconv.FormatUint(h.Sum64(), 16)
}
