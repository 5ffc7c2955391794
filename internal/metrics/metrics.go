// Package metrics provides Prometheus metrics for the archive pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the archive pipeline.
type Metrics struct {
	// Run metrics
	RunsStarted        *prometheus.CounterVec
	RunsCompleted      *prometheus.CounterVec
	RunsFailed         *prometheus.CounterVec
	RunsShortCircuited *prometheus.CounterVec

	// Staging metrics
	ChunksStaged *prometheus.CounterVec
	ChunksFailed *prometheus.CounterVec
	FilesStaged  *prometheus.CounterVec
	BytesStaged  *prometheus.CounterVec
	FilesMissing *prometheus.CounterVec

	// Merge metrics
	EntriesWritten *prometheus.CounterVec
	EntriesFailed  *prometheus.CounterVec
	PartsUploaded  *prometheus.CounterVec
	ArchiveBytes   *prometheus.HistogramVec

	// Timing metrics
	ChunkDuration *prometheus.HistogramVec
	MergeDuration *prometheus.HistogramVec
	RunDuration   *prometheus.HistogramVec

	// Pipeline metrics
	InFlightRuns  prometheus.Gauge
	InFlightParts prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	StateErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Sweeper metrics
	SweeperRuns    prometheus.Counter
	SweeperDeletes prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // metrics HTTP server address (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gallery_archiver"
	}

	m := &Metrics{
		RunsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of archive generation runs started",
			},
			[]string{"kind", "path"},
		),
		RunsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of archive generation runs completed",
			},
			[]string{"kind", "path"},
		),
		RunsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_failed_total",
				Help:      "Total number of archive generation runs that failed",
			},
			[]string{"kind", "stage"},
		),
		RunsShortCircuited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_short_circuited_total",
				Help:      "Total number of runs skipped because the stored archive already matched",
			},
			[]string{"kind"},
		),
		ChunksStaged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_staged_total",
				Help:      "Total number of chunks staged successfully",
			},
			[]string{"kind"},
		),
		ChunksFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_failed_total",
				Help:      "Total number of chunks that failed staging",
			},
			[]string{"kind"},
		),
		FilesStaged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_staged_total",
				Help:      "Total number of source files copied into staging",
			},
			[]string{"kind"},
		),
		BytesStaged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_staged_total",
				Help:      "Total bytes copied into staging",
			},
			[]string{"kind"},
		),
		FilesMissing: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_missing_total",
				Help:      "Total number of source files skipped because they vanished",
			},
			[]string{"kind"},
		),
		EntriesWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_written_total",
				Help:      "Total number of entries streamed into archives",
			},
			[]string{"kind"},
		),
		EntriesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_failed_total",
				Help:      "Total number of entries that failed to stream",
			},
			[]string{"kind"},
		),
		PartsUploaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parts_uploaded_total",
				Help:      "Total number of multipart parts uploaded",
			},
			[]string{"kind"},
		),
		ArchiveBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_bytes",
				Help:      "Size of published archives in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10), // 1MB to ~256GB
			},
			[]string{"kind"},
		),
		ChunkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_duration_seconds",
				Help:      "Time to stage one chunk",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"kind"},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to assemble and publish one archive",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~2000s
			},
			[]string{"kind"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "End-to-end generation time per run",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2.3h
			},
			[]string{"kind", "path"},
		),
		InFlightRuns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_runs",
				Help:      "Number of generation runs currently executing",
			},
		),
		InFlightParts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_parts",
				Help:      "Number of part uploads currently in flight",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store errors",
			},
			[]string{"operation"},
		),
		StateErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_errors_total",
				Help:      "Total number of state store errors",
			},
			[]string{"operation"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		SweeperRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeper_runs_total",
				Help:      "Total number of sweeper passes",
			},
		),
		SweeperDeletes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeper_deletes_total",
				Help:      "Total number of expired archives deleted by the sweeper",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Kind      string
	Path      string // "single" | "chunked"
	Stage     string // "plan" | "stage" | "merge"
	Operation string
}

// IncRunsStarted increments the runs started counter.
func (m *Metrics) IncRunsStarted(l Labels) {
	m.RunsStarted.WithLabelValues(l.Kind, l.Path).Inc()
}

// IncRunsCompleted increments the runs completed counter.
func (m *Metrics) IncRunsCompleted(l Labels) {
	m.RunsCompleted.WithLabelValues(l.Kind, l.Path).Inc()
}

// IncRunsFailed increments the runs failed counter.
func (m *Metrics) IncRunsFailed(l Labels) {
	m.RunsFailed.WithLabelValues(l.Kind, l.Stage).Inc()
}

// IncRunsShortCircuited increments the idempotent no-op counter.
func (m *Metrics) IncRunsShortCircuited(l Labels) {
	m.RunsShortCircuited.WithLabelValues(l.Kind).Inc()
}

// IncChunksStaged increments the chunks staged counter.
func (m *Metrics) IncChunksStaged(l Labels) {
	m.ChunksStaged.WithLabelValues(l.Kind).Inc()
}

// IncChunksFailed increments the chunks failed counter.
func (m *Metrics) IncChunksFailed(l Labels) {
	m.ChunksFailed.WithLabelValues(l.Kind).Inc()
}

// AddFilesStaged adds to the files staged counter.
func (m *Metrics) AddFilesStaged(l Labels, count float64) {
	m.FilesStaged.WithLabelValues(l.Kind).Add(count)
}

// AddBytesStaged adds to the bytes staged counter.
func (m *Metrics) AddBytesStaged(l Labels, bytes float64) {
	m.BytesStaged.WithLabelValues(l.Kind).Add(bytes)
}

// AddFilesMissing adds to the missing files counter.
func (m *Metrics) AddFilesMissing(l Labels, count float64) {
	m.FilesMissing.WithLabelValues(l.Kind).Add(count)
}

// AddEntriesWritten adds to the entries written counter.
func (m *Metrics) AddEntriesWritten(l Labels, count float64) {
	m.EntriesWritten.WithLabelValues(l.Kind).Add(count)
}

// AddEntriesFailed adds to the entries failed counter.
func (m *Metrics) AddEntriesFailed(l Labels, count float64) {
	m.EntriesFailed.WithLabelValues(l.Kind).Add(count)
}

// IncPartsUploaded increments the parts uploaded counter.
func (m *Metrics) IncPartsUploaded(l Labels) {
	m.PartsUploaded.WithLabelValues(l.Kind).Inc()
}

// ObserveArchiveBytes records the size of a published archive.
func (m *Metrics) ObserveArchiveBytes(l Labels, bytes float64) {
	m.ArchiveBytes.WithLabelValues(l.Kind).Observe(bytes)
}

// ObserveChunkDuration records the staging time for one chunk.
func (m *Metrics) ObserveChunkDuration(l Labels, seconds float64) {
	m.ChunkDuration.WithLabelValues(l.Kind).Observe(seconds)
}

// ObserveMergeDuration records the merge and publish time.
func (m *Metrics) ObserveMergeDuration(l Labels, seconds float64) {
	m.MergeDuration.WithLabelValues(l.Kind).Observe(seconds)
}

// ObserveRunDuration records the end-to-end run time.
func (m *Metrics) ObserveRunDuration(l Labels, seconds float64) {
	m.RunDuration.WithLabelValues(l.Kind, l.Path).Observe(seconds)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Operation).Inc()
}

// IncStateErrors increments the state store errors counter.
func (m *Metrics) IncStateErrors(l Labels) {
	m.StateErrors.WithLabelValues(l.Operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// IncSweeperRuns increments the sweeper pass counter.
func (m *Metrics) IncSweeperRuns() {
	m.SweeperRuns.Inc()
}

// AddSweeperDeletes adds to the sweeper deletions counter.
func (m *Metrics) AddSweeperDeletes(count float64) {
	m.SweeperDeletes.Add(count)
}
