package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WhisperPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_whisper_posted_total",
			Help: "no. of whispers posted",
		},
		[]string{"type", "mode"},
	)
	WhisperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_whisper_deleted_total",
		Help: "no. of whispers tombstoned",
	})
	WhisperRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_whisper_retrieved_total",
		Help: "no. of whispers retrieved",
	})
	VoteCast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_vote_cast_total",
			Help: "no. of vote transitions applied",
		},
		[]string{"vote"},
	)
	AccessGrants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_access_grants_total",
			Help: "no. of decrypt access grants and revocations",
		},
		[]string{"action"},
	)
	DecryptOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_decrypt_operations_total",
			Help: "no. of user decrypt attempts",
		},
		[]string{"outcome"},
	)
	SignatureIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_signature_issued_total",
		Help: "no. of decryption signatures issued",
	})
	SignatureCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_signature_cache_hits_total",
		Help: "no. of decryption signatures served from cache",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_cache_hits_total",
		Help: "no. of whisper cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperwall_cache_misses_total",
		Help: "no. of whisper cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisperwall_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperwall_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisperwall_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
