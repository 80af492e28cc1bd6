package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelfetch",
			Name:      "download_events_total",
			Help:      "Count of download lifecycle events processed by the coordinator.",
		},
		[]string{"type"},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelfetch",
			Name:      "active_downloads",
			Help:      "Number of downloads currently holding a concurrency slot.",
		},
	)

	RetryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelfetch",
			Name:      "retry_attempts_total",
			Help:      "Transient-failure retries performed by transfer executors.",
		},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelfetch",
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock duration of completed transfer attempts.",
		},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelfetch",
			Name:      "bytes_downloaded_total",
			Help:      "Total payload bytes written to staging files.",
		},
	)
)

// Register registers the modelfetch metrics into the default registry.
func Register() {
	prometheus.MustRegister(DownloadEvents, ActiveDownloads, RetryAttempts, AttemptDuration, BytesDownloaded)
}
