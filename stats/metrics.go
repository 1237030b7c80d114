package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lumibox"

// Metrics exports pipeline events as Prometheus collectors.
type Metrics struct {
	emails        *prometheus.CounterVec
	files         *prometheus.CounterVec
	batches       prometheus.Counter
	retries       prometheus.Counter
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Emails seen by the ingest pipeline, by outcome.",
		}, []string{"outcome"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mbox_files_total",
			Help:      "Mbox files processed, by status.",
		}, []string{"status"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches committed to PostgreSQL.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Batch write attempts that were retried.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Emails per committed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent writing one batch, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{m.emails, m.files, m.batches, m.retries, m.batchSize, m.batchDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvent updates the collectors for one event.
func (m *Metrics) ObserveEvent(evt Event) {
	switch evt.Type {
	case EventTypeScanned, EventTypeSkipped, EventTypeFiltered, EventTypeDuplicate,
		EventTypeStored, EventTypeSampled, EventTypeFailed:
		m.emails.WithLabelValues(string(evt.Type)).Inc()
	case EventTypeFileFinished:
		m.files.WithLabelValues("ok").Inc()
	case EventTypeFileFailed:
		m.files.WithLabelValues("failed").Inc()
	case EventTypeBatchWritten:
		m.batches.Inc()
		m.batchSize.Observe(float64(evt.Count))
		m.batchDuration.Observe(evt.Duration.Seconds())
	case EventTypeBatchRetry:
		m.retries.Inc()
	}
}

// Subscriber drains events into the collectors.
func (m *Metrics) Subscriber(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.ObserveEvent(evt)
		}
	}
}
