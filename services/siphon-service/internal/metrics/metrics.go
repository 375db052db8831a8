// Package metrics exposes the siphon's operational counters and gauges.
// Every metric carries a const instance label so overlapping consumer-group
// generations stay distinguishable in the scrape.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "als_siphon"

type Metrics struct {
	PollsTotal      prometheus.Counter
	RecordsFetched  *prometheus.CounterVec
	MalformedTotal  *prometheus.CounterVec
	BundlesOpened   prometheus.Counter
	BundlesFlushed  prometheus.Counter
	BundlesEvicted  prometheus.Counter
	BundlesInFlight prometheus.Gauge
	RequestsWritten prometheus.Counter
	LogRowsWritten  prometheus.Counter
	FlushFailures   prometheus.Counter
	FlushDuration   prometheus.Histogram
	FetchedOffset   *prometheus.GaugeVec
	CommittedOffset *prometheus.GaugeVec
}

// New builds the metric set. instance is generated once at process start
// (cmd/siphon-service) and passed in; nothing here owns process state.
func New(instance string) *Metrics {
	labels := prometheus.Labels{"instance_id": instance}
	return &Metrics{
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "polls_total",
			Help:        "Stream poll calls issued by the orchestrator loop",
			ConstLabels: labels,
		}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_fetched_total",
			Help:        "Stream records fetched, by topic",
			ConstLabels: labels,
		}, []string{"topic"}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "malformed_records_total",
			Help:        "Records rejected by decode or schema checks, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		BundlesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bundles_opened_total",
			Help:        "Bundles created on first sight of a correlation key",
			ConstLabels: labels,
		}),
		BundlesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bundles_flushed_total",
			Help:        "Assembled bundles durably written",
			ConstLabels: labels,
		}),
		BundlesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bundles_evicted_total",
			Help:        "Bundles dropped by age-based eviction",
			ConstLabels: labels,
		}),
		BundlesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "bundles_in_flight",
			Help:        "Bundles currently awaiting assembly or flush",
			ConstLabels: labels,
		}),
		RequestsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_written_total",
			Help:        "Individual spectrum inquiry requests persisted",
			ConstLabels: labels,
		}),
		LogRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "log_rows_written_total",
			Help:        "Free-form JSON log rows persisted",
			ConstLabels: labels,
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "flush_failures_total",
			Help:        "Flush transactions rolled back",
			ConstLabels: labels,
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "flush_duration_seconds",
			Help:        "Wall time of one flush transaction",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		FetchedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "fetched_offset",
			Help:        "Highest offset fetched, by topic and partition",
			ConstLabels: labels,
		}, []string{"topic", "partition"}),
		CommittedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "committed_offset",
			Help:        "Highest offset committed, by topic and partition",
			ConstLabels: labels,
		}, []string{"topic", "partition"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PollsTotal, m.RecordsFetched, m.MalformedTotal,
		m.BundlesOpened, m.BundlesFlushed, m.BundlesEvicted, m.BundlesInFlight,
		m.RequestsWritten, m.LogRowsWritten,
		m.FlushFailures, m.FlushDuration,
		m.FetchedOffset, m.CommittedOffset,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Partition renders a partition number for the offset gauge labels.
func Partition(p int) string {
	return strconv.Itoa(p)
}
