package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/storyforge/internal/model"
)

// Collectors holds the live Prometheus metrics. It satisfies
// state.Observer.
//
// Metrics:
//   - storyforge_lock_wait_seconds - time spent acquiring the store lock
//   - storyforge_lock_timeouts_total - lock acquisitions that timed out
//   - storyforge_persist_retries_total{op} - retried store reads and writes
//   - storyforge_stories_claimed_total - successful claims
//   - storyforge_story_outcomes_total{outcome,tier} - settled stories
//   - storyforge_escalations_total{action} - ladder actions applied
//   - storyforge_workers_busy - workers currently running a story
type Collectors struct {
	LockWait       prometheus.Histogram
	LockTimeouts   prometheus.Counter
	PersistRetries *prometheus.CounterVec
	Claims         prometheus.Counter
	Outcomes       *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	WorkersBusy    prometheus.Gauge
}

// NewCollectors registers the metrics with reg. Use a fresh registry per
// Collectors; registering twice on one registry panics.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "storyforge_lock_wait_seconds",
			Help:    "Time spent acquiring the store lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_lock_timeouts_total",
			Help: "Store lock acquisitions that timed out",
		}),
		PersistRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_persist_retries_total",
			Help: "Store reads and writes that were retried",
		}, []string{"op"}),
		Claims: f.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_stories_claimed_total",
			Help: "Stories claimed by workers",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_story_outcomes_total",
			Help: "Stories that reached a terminal outcome",
		}, []string{"outcome", "tier"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_escalations_total",
			Help: "Recovery actions applied by the escalation ladder",
		}, []string{"action"}),
		WorkersBusy: f.NewGauge(prometheus.GaugeOpts{
			Name: "storyforge_workers_busy",
			Help: "Workers currently executing a story",
		}),
	}
}

func (c *Collectors) LockAcquired(wait time.Duration) { c.LockWait.Observe(wait.Seconds()) }
func (c *Collectors) LockTimedOut()                   { c.LockTimeouts.Inc() }
func (c *Collectors) PersistRetried(op string)        { c.PersistRetries.WithLabelValues(op).Inc() }
func (c *Collectors) StoryClaimed()                   { c.Claims.Inc() }

func (c *Collectors) RecordOutcome(rec model.MetricsRecord) {
	c.Outcomes.WithLabelValues(string(rec.Outcome), string(rec.Tier)).Inc()
}

func (c *Collectors) RecordEscalation(action model.RecoveryAction) {
	c.Escalations.WithLabelValues(string(action)).Inc()
}

func (c *Collectors) WorkerBusy(delta float64) { c.WorkersBusy.Add(delta) }
