// Package metrics exposes Prometheus collectors for the sync engine. A nil
// *Sync is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relaynotes"

type Sync struct {
	updatesFetched    *prometheus.CounterVec
	duplicatesSkipped prometheus.Counter
	foreignMessages   prometheus.Counter
	notesInserted     prometheus.Counter
	publishes         *prometheus.CounterVec
	loadDuration      *prometheus.HistogramVec
}

// NewSync creates the collectors and registers them with reg when it is not nil.
func NewSync(reg prometheus.Registerer) (*Sync, error) {
	s := &Sync{
		updatesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_fetched_total",
			Help:      "Updates returned by the remote log, by fetch mode.",
		}, []string{"mode"}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_skipped_total",
			Help:      "Updates dropped because their message id was already applied.",
		}),
		foreignMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "foreign_messages_total",
			Help:      "Messages that could not be decoded as notes.",
		}),
		notesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_inserted_total",
			Help:      "Notes added to the local index.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish attempts by outcome.",
		}, []string{"outcome"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of fetch-merge cycles by fetch mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	if reg != nil {
		for _, c := range s.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Sync) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.updatesFetched, s.duplicatesSkipped, s.foreignMessages,
		s.notesInserted, s.publishes, s.loadDuration,
	}
}

func (s *Sync) UpdatesFetched(mode string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.updatesFetched.WithLabelValues(mode).Add(float64(n))
}

func (s *Sync) DuplicatesSkipped(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.duplicatesSkipped.Add(float64(n))
}

func (s *Sync) ForeignMessage() {
	if s == nil {
		return
	}
	s.foreignMessages.Inc()
}

func (s *Sync) NotesInserted(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.notesInserted.Add(float64(n))
}

// Publish records one publish with outcome "ok", "invalid" or "error".
func (s *Sync) Publish(outcome string) {
	if s == nil {
		return
	}
	s.publishes.WithLabelValues(outcome).Inc()
}

func (s *Sync) ObserveLoad(mode string, d time.Duration) {
	if s == nil {
		return
	}
	s.loadDuration.WithLabelValues(mode).Observe(d.Seconds())
}
