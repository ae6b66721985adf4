package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client counters. A nil *Metrics records nothing.
type Metrics struct {
	cacheLookups    *prometheus.CounterVec
	executions      *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	downloadedBytes prometheus.Counter
}

// Label values of the counters.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"

	StrategyRemote   = "remote"
	StrategyLocal    = "local"
	StrategyFallback = "fallback"

	UploadOK      = "ok"
	UploadSkipped = "skipped"
	UploadFailed  = "failed"
)

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorexec_cache_lookups_total",
			Help: "Action cache lookups by result.",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorexec_executions_total",
			Help: "Executed actions by strategy.",
		}, []string{"strategy"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorexec_uploads_total",
			Help: "Uploads of locally produced results by outcome.",
		}, []string{"result"}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorexec_downloaded_bytes_total",
			Help: "Bytes read from the CAS.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheLookups, m.executions, m.uploads, m.downloadedBytes)
	}
	return m
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Execution(strategy string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(strategy).Inc()
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) DownloadedBytes(n int64) {
	if m == nil {
		return
	}
	m.downloadedBytes.Add(float64(n))
}
