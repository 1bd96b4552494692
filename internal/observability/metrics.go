package observability

import (
	fpmath "PerpEngine/internal/math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "perp"

// Metrics holds all Prometheus metrics for the engine. Values measured in
// quote units are exported as floats and are for dashboards only.
type Metrics struct {
	// core
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// markets
	MarketSkew         *prometheus.GaugeVec
	MarketOpenInterest *prometheus.GaugeVec
	FundingRate        *prometheus.GaugeVec
	Liquidations       *prometheus.CounterVec
	KeeperRewards      *prometheus.CounterVec

	// ingestion
	IngestToApply       *prometheus.HistogramVec
	IngestRejected      *prometheus.CounterVec
	NATSConsumerPending *prometheus.GaugeVec

	// channels
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	ProjectionUpdateDur *prometheus.HistogramVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// idempotency
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// persistence
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// snapshots and replay
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// subsystem builds perp_<subsystem>_<name> collectors on one factory.
type subsystem struct {
	f    promauto.Factory
	name string
}

func (s subsystem) counter(name, help string) prometheus.Counter {
	return s.f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help})
}

func (s subsystem) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return s.f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help}, labels)
}

func (s subsystem) gauge(name, help string) prometheus.Gauge {
	return s.f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help})
}

func (s subsystem) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return s.f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help}, labels)
}

func (s subsystem) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return s.f.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help, Buckets: buckets})
}

func (s subsystem) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return s.f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: s.name, Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	// Core apply runs in microseconds; persistence and queries in milliseconds.
	applyBuckets  = prometheus.ExponentialBuckets(0.000001, 2.5, 12)
	ingestBuckets = prometheus.ExponentialBuckets(0.00001, 2, 11)
	ioBuckets     = prometheus.ExponentialBuckets(0.0001, 2.5, 10)
)

// NewMetrics creates the metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	core := subsystem{f, "core"}
	market := subsystem{f, "market"}
	root := subsystem{f, ""}
	ingest := subsystem{f, "ingest"}
	channel := subsystem{f, "channel"}
	persist := subsystem{f, "persist"}
	snapshot := subsystem{f, "snapshot"}
	query := subsystem{f, "query"}

	return &Metrics{
		CoreEventsApplied:  core.counterVec("events_applied_total", "Commands applied by the core", "event_type"),
		CoreEventsRejected: core.counterVec("events_rejected_total", "Commands rejected, by error category or duplicate", "event_type", "reason"),
		CoreEventDuration:  core.histogramVec("event_apply_duration_seconds", "Time to apply one command", applyBuckets, "event_type"),
		CoreJournals:       core.counterVec("journals_generated_total", "Journal entries generated", "journal_type"),
		CoreSequence:       core.gauge("sequence", "Next sequence number to assign"),

		MarketSkew:         market.gaugeVec("skew", "Long size minus short size", "market"),
		MarketOpenInterest: market.gaugeVec("open_interest", "Open interest per side", "market", "side"),
		FundingRate:        market.gaugeVec("funding_rate", "Current funding rate per period", "market"),
		Liquidations:       root.counterVec("liquidations_total", "Positions liquidated", "market"),
		KeeperRewards:      root.counterVec("keeper_rewards_total", "Keeper deposits and liquidation rewards paid out", "market", "kind"),

		IngestToApply:       root.histogramVec("ingest_to_apply_seconds", "Command receipt to core apply complete", ingestBuckets, "event_type"),
		IngestRejected:      ingest.counterVec("rejected_total", "Commands rejected at ingestion, by category", "source", "category"),
		NATSConsumerPending: subsystem{f, "nats"}.gaugeVec("consumer_pending", "Messages left in the stream after the last delivery", "consumer"),

		ChannelSize:         channel.gaugeVec("size", "Items buffered in channel", "name"),
		ChannelCapacity:     channel.gaugeVec("capacity", "Channel capacity", "name"),
		ChannelUtilization:  channel.gaugeVec("utilization", "Channel size over capacity", "name"),
		ProjectionDrops:     root.counterVec("projection_drops_total", "Outputs dropped on a full projection channel", "event_type"),
		ProjectionUpdateDur: root.histogramVec("projection_update_duration_seconds", "Projection sink write duration", ioBuckets, "projection"),
		PublishDrops:        root.counter("publish_drops_total", "Outputs that could not be published"),
		PersistBackpressure: persist.counter("backpressure_total", "Times the core blocked on the persist channel"),

		IdempotencyDuplicates: subsystem{f, "idempotency"}.counterVec("duplicates_total", "Duplicate commands by tier (lru, postgres)", "event_type", "tier"),
		DedupLRUSize:          subsystem{f, "dedup"}.gauge("lru_size", "Idempotency LRU occupancy"),
		DedupTier2Errors:      subsystem{f, "dedup"}.counter("tier2_errors_total", "Postgres idempotency lookups that failed"),

		PersistEventsWritten:   persist.counter("events_written_total", "Envelopes written to Postgres"),
		PersistJournalsWritten: persist.counter("journals_written_total", "Journal entries written to Postgres"),
		PersistBatchSize:       persist.histogram("batch_size", "Outputs per write batch", prometheus.ExponentialBuckets(1, 2, 10)),
		PersistBatchDur:        persist.histogram("batch_duration_seconds", "Postgres batch write duration", ioBuckets),
		PersistErrors:          persist.counterVec("errors_total", "Persistence errors", "error_type"),
		PersistRetry:           persist.counter("retry_total", "Persistence retries"),
		PersistLastSequence:    persist.gauge("last_sequence", "Last persisted sequence"),

		SnapshotTaken:     snapshot.counter("taken_total", "Snapshots saved"),
		SnapshotDuration:  snapshot.histogram("duration_seconds", "Snapshot capture and save time", prometheus.ExponentialBuckets(0.01, 3, 8)),
		SnapshotSizeBytes: snapshot.gauge("size_bytes", "Size of the last snapshot"),
		SnapshotLastSeq:   snapshot.gauge("last_sequence", "Sequence of the last snapshot"),
		ReplayEventsTotal: subsystem{f, "replay"}.counter("events_total", "Envelopes replayed on startup"),
		ReplayDuration:    subsystem{f, "replay"}.gauge("duration_seconds", "Startup replay time"),

		QueryRequests: query.counterVec("requests_total", "Query requests by endpoint and status", "endpoint", "status"),
		QueryDuration: query.histogramVec("duration_seconds", "Query latency", ioBuckets, "endpoint"),
	}
}

// SetChannelMetrics records a channel's length and capacity.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveMarket publishes a market's skew, open interest and funding rate.
func (m *Metrics) ObserveMarket(market string, skew, long, short, rate fpmath.Decimal) {
	m.MarketSkew.WithLabelValues(market).Set(skew.Shopspring().InexactFloat64())
	m.MarketOpenInterest.WithLabelValues(market, "long").Set(long.Shopspring().InexactFloat64())
	m.MarketOpenInterest.WithLabelValues(market, "short").Set(short.Shopspring().InexactFloat64())
	m.FundingRate.WithLabelValues(market).Set(rate.Shopspring().InexactFloat64())
}

// AddKeeperReward counts a payout to a keeper or liquidator.
func (m *Metrics) AddKeeperReward(market, kind string, amount fpmath.Decimal) {
	if amount.IsPositive() {
		m.KeeperRewards.WithLabelValues(market, kind).Add(amount.Shopspring().InexactFloat64())
	}
}
