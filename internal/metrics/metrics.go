// Package metrics exposes settlement and pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// Metrics holds every collector the service reports. It implements the
// observer interfaces of the settlement handlers and the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	BetsExecuted     *prometheus.CounterVec // labels: status
	ExecutionLatency prometheus.Histogram
	BetsSettled      *prometheus.CounterVec // labels: outcome
	LegsSkipped      prometheus.Counter
	PositionsFinal   *prometheus.CounterVec // labels: status
	FeesCollected    prometheus.Counter
	FeeVolume        prometheus.Counter
	FeeFailures      prometheus.Counter
	PayoutMismatches prometheus.Counter

	StreamEvents   *prometheus.CounterVec // labels: kind, route, result
	HandleLatency  *prometheus.HistogramVec
	RelayedChanges prometheus.Counter
	RelayLag       prometheus.Gauge
	MarketsSeen    *prometheus.CounterVec // labels: status
}

// New creates and registers every collector on a private registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BetsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legchain_bets_executed_total",
			Help: "READY bets handled by the executor, by resulting status",
		}, []string{"status"}),
		ExecutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "legchain_bet_execution_duration_seconds",
			Help:    "Time from claim to the executor's final write",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		BetsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legchain_bets_settled_total",
			Help: "Filled bets settled against a resolved market",
		}, []string{"outcome"}),
		LegsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_legs_skipped_total",
			Help: "Queued legs skipped because their market closed",
		}),
		PositionsFinal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legchain_positions_final_total",
			Help: "Positions reaching a terminal status",
		}, []string{"status"}),
		FeesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_fees_collected_total",
			Help: "Successful fee collections",
		}),
		FeeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_fee_volume_usdc_total",
			Help: "USDC collected as fees",
		}),
		FeeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_fee_failures_total",
			Help: "Fee collections that failed on a won position",
		}),
		PayoutMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_payout_mismatches_total",
			Help: "Settled bets whose on-chain payout did not match the expected amount",
		}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legchain_stream_events_total",
			Help: "Change events consumed, by record kind, route and result",
		}, []string{"kind", "route", "result"}),
		HandleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "legchain_stream_handle_duration_seconds",
			Help:    "Time spent handling one change event",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		RelayedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "legchain_relayed_changes_total",
			Help: "Outbox rows published to the change stream",
		}),
		RelayLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legchain_relay_lag_seconds",
			Help: "Age of the oldest change in the last relayed batch",
		}),
		MarketsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legchain_market_refreshes_total",
			Help: "Market snapshots written by the resolution ingester",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BetsExecuted, m.ExecutionLatency, m.BetsSettled, m.LegsSkipped,
		m.PositionsFinal, m.FeesCollected, m.FeeVolume, m.FeeFailures,
		m.PayoutMismatches, m.StreamEvents, m.HandleLatency,
		m.RelayedChanges, m.RelayLag, m.MarketsSeen,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) BetExecuted(status domain.BetStatus, elapsed time.Duration) {
	m.BetsExecuted.WithLabelValues(string(status)).Inc()
	m.ExecutionLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) BetSettled(outcome domain.BetOutcome) {
	m.BetsSettled.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) LegSkipped() { m.LegsSkipped.Inc() }

func (m *Metrics) PositionFinished(status domain.PositionStatus) {
	m.PositionsFinal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) FeeCollected(amount int64, failed bool) {
	if failed {
		m.FeeFailures.Inc()
		return
	}
	m.FeesCollected.Inc()
	m.FeeVolume.Add(float64(amount) / float64(money.Scale))
}

func (m *Metrics) PayoutMismatch() { m.PayoutMismatches.Inc() }

// EventHandled records one dispatched change event.
func (m *Metrics) EventHandled(kind domain.RecordKind, route string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StreamEvents.WithLabelValues(string(kind), route, result).Inc()
	m.HandleLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Relayed records one relayed outbox batch.
func (m *Metrics) Relayed(count int, lag time.Duration) {
	m.RelayedChanges.Add(float64(count))
	m.RelayLag.Set(lag.Seconds())
}

// MarketRefreshed records a stored market snapshot.
func (m *Metrics) MarketRefreshed(status domain.MarketStatus) {
	m.MarketsSeen.WithLabelValues(string(status)).Inc()
}
