package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's prometheus instruments. Construct one
// per process with the registry the admin server exposes; tests pass
// their own registry so instruments never collide.
type Metrics struct {
	// collector
	tasksSubmitted    prometheus.Counter
	tasksFailed       prometheus.Counter
	taskRetries       prometheus.Counter
	fetchTotal        *prometheus.CounterVec
	candidatesDropped prometheus.Counter
	listingsPublished prometheus.Counter
	breakerPauses     prometheus.Counter

	// processor
	listingsUpserted    *prometheus.CounterVec
	priceChanges        prometheus.Counter
	enrichmentFallbacks prometheus.Counter
	matchesEmitted      prometheus.Counter
	duplicateMatches    prometheus.Counter

	// dispatcher
	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	backlogDropped      prometheus.Counter
	backlogDepth        *prometheus.GaugeVec

	// shared
	deadLettered *prometheus.CounterVec
}

// New creates the pipeline metrics registered on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_tasks_submitted_total",
			Help: "Total number of collection tasks submitted",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_tasks_failed_total",
			Help: "Total number of collection tasks that exhausted retries",
		}),
		taskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_task_retries_total",
			Help: "Total number of task re-enqueues with backoff",
		}),
		fetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_total",
			Help: "Total number of fetches by result",
		}, []string{"result"}),
		candidatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_candidates_dropped_total",
			Help: "Total number of extracted candidates dropped for missing mandatory fields",
		}),
		listingsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_listings_published_total",
			Help: "Total number of raw listings published to the bus",
		}),
		breakerPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "collector_breaker_pauses_total",
			Help: "Total number of fetches deferred because the block breaker was open",
		}),
		listingsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_listings_upserted_total",
			Help: "Total number of canonical listing writes by outcome",
		}, []string{"outcome"}),
		priceChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "processor_price_changes_total",
			Help: "Total number of observed listing price changes",
		}),
		enrichmentFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "processor_enrichment_fallbacks_total",
			Help: "Total number of listings enriched with zero-confidence fallback",
		}),
		matchesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "processor_matches_emitted_total",
			Help: "Total number of alert matches emitted",
		}),
		duplicateMatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "processor_duplicate_matches_total",
			Help: "Total number of match emissions suppressed by the unique constraint",
		}),
		notificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_notifications_sent_total",
			Help: "Total number of notifications sent by channel",
		}, []string{"channel"}),
		notificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_notifications_failed_total",
			Help: "Total number of failed sends by channel and kind",
		}, []string{"channel", "kind"}),
		backlogDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_backlog_dropped_total",
			Help: "Total number of queued notifications shed on backlog overflow",
		}),
		backlogDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_backlog_depth",
			Help: "Current queued notifications per channel",
		}, []string{"channel"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_dead_lettered_total",
			Help: "Total number of messages forwarded to a dead-letter topic by stage",
		}, []string{"stage"}),
	}
}

func (m *Metrics) TaskSubmitted()            { m.tasksSubmitted.Inc() }
func (m *Metrics) TaskFailed()               { m.tasksFailed.Inc() }
func (m *Metrics) TaskRetried()              { m.taskRetries.Inc() }
func (m *Metrics) FetchResult(result string) { m.fetchTotal.WithLabelValues(result).Inc() }
func (m *Metrics) CandidatesDropped(n int)   { m.candidatesDropped.Add(float64(n)) }
func (m *Metrics) ListingPublished()         { m.listingsPublished.Inc() }
func (m *Metrics) BreakerPaused()            { m.breakerPauses.Inc() }

func (m *Metrics) ListingUpserted(outcome string) { m.listingsUpserted.WithLabelValues(outcome).Inc() }
func (m *Metrics) PriceChanged()                  { m.priceChanges.Inc() }
func (m *Metrics) EnrichmentFallback()            { m.enrichmentFallbacks.Inc() }
func (m *Metrics) MatchEmitted()                  { m.matchesEmitted.Inc() }
func (m *Metrics) DuplicateMatch()                { m.duplicateMatches.Inc() }

func (m *Metrics) NotificationSent(channel string) {
	m.notificationsSent.WithLabelValues(channel).Inc()
}
func (m *Metrics) NotificationFailed(channel, kind string) {
	m.notificationsFailed.WithLabelValues(channel, kind).Inc()
}
func (m *Metrics) BacklogDropped()                    { m.backlogDropped.Inc() }
func (m *Metrics) BacklogDepth(channel string, n int) { m.backlogDepth.WithLabelValues(channel).Set(float64(n)) }

func (m *Metrics) DeadLettered(stage string) { m.deadLettered.WithLabelValues(stage).Inc() }
