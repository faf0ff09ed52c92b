// Package metrics 汇总缓存、代理与下载队列的 Prometheus 指标。
// 所有指标注册在独立的 Registry 上，由 /-/metrics 暴露，不污染默认注册表。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry 是进程内唯一的指标注册表。
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var (
	CacheRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_cache_requests_total",
		Help: "Proxy requests by content class and cache result (hit, miss, bypass).",
	}, []string{"class", "result"})

	CachePromotions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_cache_promotions_total",
		Help: "Remote responses successfully promoted into the cache.",
	}, []string{"class"})

	CacheDiscards = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_cache_discards_total",
		Help: "Cache writes abandoned before promotion.",
	}, []string{"class"})

	CacheBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "shelfcache_cache_bytes",
		Help: "Total size of promoted cache entries after the last stat or eviction pass.",
	})

	CacheFiles = factory.NewGauge(prometheus.GaugeOpts{
		Name: "shelfcache_cache_files",
		Help: "Number of promoted cache entries after the last stat or eviction pass.",
	})

	EvictedEntries = factory.NewCounter(prometheus.CounterOpts{
		Name: "shelfcache_evicted_entries_total",
		Help: "Cache entries removed by eviction.",
	})

	EvictionFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "shelfcache_eviction_failures_total",
		Help: "Cache entries that eviction failed to delete.",
	})

	RemoteFetchErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_remote_fetch_errors_total",
		Help: "Remote fetches that failed, by class and reason (status, network).",
	}, []string{"class", "reason"})

	CoalescedWaits = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_coalesced_waits_total",
		Help: "Cache misses that waited on an in-flight fetch, by outcome (hit, fallback).",
	}, []string{"outcome"})

	QueuePending = factory.NewGauge(prometheus.GaugeOpts{
		Name: "shelfcache_download_queue_pending",
		Help: "Download tasks waiting to be processed.",
	})

	DownloadResults = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfcache_download_results_total",
		Help: "Finished download tasks by status (completed, failed).",
	}, []string{"status"})
)

// ObserveCacheSize 用最新的统计结果刷新缓存容量指标。
func ObserveCacheSize(totalBytes int64, files int) {
	CacheBytes.Set(float64(totalBytes))
	CacheFiles.Set(float64(files))
}
