// Package metrics exposes per-rank prometheus instruments. Every instrument
// carries a constant "rank" label, so the islands of a local run can share
// one registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	generations           prometheus.Counter
	evaluations           prometheus.Counter
	evaluationFailures    prometheus.Counter
	migrationRounds       prometheus.Counter
	migrantsSent          prometheus.Counter
	migrantsReceived      prometheus.Counter
	replacementCollisions prometheus.Counter
	checkpointsSaved      prometheus.Counter
	checkpointDuration    prometheus.Histogram
	blockDuration         prometheus.Histogram
	archiveSize           prometheus.Gauge
	populationSize        prometheus.Gauge
}

func New(reg prometheus.Registerer, rank int) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	return &Metrics{
		generations: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_generations_total",
			Help:        "Generations completed by the island",
			ConstLabels: labels,
		}),
		evaluations: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_evaluations_total",
			Help:        "Fitness evaluations performed",
			ConstLabels: labels,
		}),
		evaluationFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_evaluation_failures_total",
			Help:        "Evaluations that failed and were assigned the worst-value sentinel",
			ConstLabels: labels,
		}),
		migrationRounds: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_migration_rounds_total",
			Help:        "Ring migration rounds completed",
			ConstLabels: labels,
		}),
		migrantsSent: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_migrants_sent_total",
			Help:        "Individuals sent to the next island",
			ConstLabels: labels,
		}),
		migrantsReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_migrants_received_total",
			Help:        "Individuals received from the previous island",
			ConstLabels: labels,
		}),
		replacementCollisions: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_replacement_collisions_total",
			Help:        "Immigrants appended because their replacement slot was already taken",
			ConstLabels: labels,
		}),
		checkpointsSaved: f.NewCounter(prometheus.CounterOpts{
			Name:        "archipelago_checkpoints_saved_total",
			Help:        "Checkpoints written",
			ConstLabels: labels,
		}),
		checkpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "archipelago_checkpoint_duration_seconds",
			Help:        "Checkpoint save duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: labels,
		}),
		blockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "archipelago_block_duration_seconds",
			Help:        "Duration of one block of generations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
			ConstLabels: labels,
		}),
		archiveSize: f.NewGauge(prometheus.GaugeOpts{
			Name:        "archipelago_archive_size",
			Help:        "Individuals held by the island archive",
			ConstLabels: labels,
		}),
		populationSize: f.NewGauge(prometheus.GaugeOpts{
			Name:        "archipelago_population_size",
			Help:        "Individuals in the island population",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) ObserveGeneration(evaluations, failures int) {
	if m == nil {
		return
	}
	m.generations.Inc()
	m.evaluations.Add(float64(evaluations))
	m.evaluationFailures.Add(float64(failures))
}

func (m *Metrics) ObserveBlock(d time.Duration, populationSize, archiveSize int) {
	if m == nil {
		return
	}
	m.blockDuration.Observe(d.Seconds())
	m.populationSize.Set(float64(populationSize))
	m.archiveSize.Set(float64(archiveSize))
}

func (m *Metrics) ObserveMigration(sent, received, collisions int) {
	if m == nil {
		return
	}
	m.migrationRounds.Inc()
	m.migrantsSent.Add(float64(sent))
	m.migrantsReceived.Add(float64(received))
	m.replacementCollisions.Add(float64(collisions))
}

func (m *Metrics) ObserveCheckpoint(d time.Duration) {
	if m == nil {
		return
	}
	m.checkpointsSaved.Inc()
	m.checkpointDuration.Observe(d.Seconds())
}
