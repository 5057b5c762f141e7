package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_jobs_scheduled_total",
		Help: "Total number of compression jobs accepted by the worker pool",
	})

	JobsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_jobs_coalesced_total",
		Help: "Total number of job requests merged into an equivalent pending job",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texcache_jobs_finished_total",
		Help: "Total number of compression jobs by final state",
	}, []string{"state"})

	JobsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_jobs_purged_total",
		Help: "Total number of queued jobs removed before they started",
	})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "texcache_jobs_running",
		Help: "Compression jobs currently running on workers",
	})

	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "texcache_jobs_queued",
		Help: "Compression jobs waiting for a worker",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "texcache_job_duration_seconds",
		Help:    "Wall time of background compression jobs",
		Buckets: prometheus.DefBuckets,
	})

	TextureRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "texcache_texture_requests_total",
		Help: "PrepareTexture calls by how they were satisfied",
	}, []string{"result"})

	ResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "texcache_resident_bytes",
		Help: "Compressed texture bytes resident in memory across all sources",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_evictions_total",
		Help: "Total number of resident texture levels released by LRU eviction",
	})

	StoreRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_store_rebuilds_total",
		Help: "Total number of compressed stores discarded after failed validation",
	})

	StoreCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "texcache_store_compactions_total",
		Help: "Total number of compressed store compactions",
	})
)

// Texture request outcomes.
const (
	ResultResident  = "resident"
	ResultStore     = "store"
	ResultPending   = "pending"
	ResultScheduled = "scheduled"
	ResultThrottled = "throttled"
)
