package authz

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheMetricsMu          sync.Mutex
	cacheMetricsInitialized bool

	cacheHitCounter         *prometheus.CounterVec
	cacheMissCounter        *prometheus.CounterVec
	closureRebuildHistogram prometheus.Histogram
	cacheMetricsError       error
)

// SetupCacheMetrics registers Prometheus metrics observing the authorization
// caches. The registration is performed once and subsequent calls are ignored.
func SetupCacheMetrics(reg prometheus.Registerer) error {
	cacheMetricsMu.Lock()
	defer cacheMetricsMu.Unlock()
	if cacheMetricsInitialized {
		return cacheMetricsError
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollhq_authz_cache_hits_total",
		Help: "Number of cache hits per cached authorization collection.",
	}, []string{"collection"})
	cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollhq_authz_cache_miss_total",
		Help: "Number of cache misses per cached authorization collection.",
	}, []string{"collection"})
	closureRebuildHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrollhq_authz_closure_rebuild_duration_seconds",
		Help:    "Duration of full descendant-closure recomputes.",
		Buckets: prometheus.DefBuckets,
	})

	for _, collector := range []prometheus.Collector{cacheHitCounter, cacheMissCounter, closureRebuildHistogram} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch c := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					if collector == cacheHitCounter {
						cacheHitCounter = c
					} else {
						cacheMissCounter = c
					}
				case prometheus.Histogram:
					closureRebuildHistogram = c
				default:
					cacheMetricsError = fmt.Errorf("authz cache metrics: unexpected collector type %T", c)
				}
				continue
			}
			cacheMetricsError = err
			cacheHitCounter = nil
			cacheMissCounter = nil
			closureRebuildHistogram = nil
			cacheMetricsInitialized = true
			return cacheMetricsError
		}
	}

	cacheMetricsInitialized = true
	return cacheMetricsError
}

func recordCacheHit(collection string) {
	if cacheHitCounter == nil {
		return
	}
	cacheHitCounter.WithLabelValues(collection).Inc()
}

func recordCacheMiss(collection string) {
	if cacheMissCounter == nil {
		return
	}
	cacheMissCounter.WithLabelValues(collection).Inc()
}

func observeClosureRebuild(duration time.Duration) {
	if closureRebuildHistogram == nil {
		return
	}
	closureRebuildHistogram.Observe(duration.Seconds())
}
