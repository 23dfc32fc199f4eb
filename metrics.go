package memoryjar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promCounterForMemoryCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_memory_cache_hit_total",
		Help: "The total number of reads served from the in-memory layer",
	})

	promCounterForDiskCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_disk_cache_hit_total",
		Help: "The total number of reads served from the disk layer",
	})

	promCounterForCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_cache_miss_total",
		Help: "The total number of reads that found no usable record",
	})

	promCounterForCacheExpiration = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_cache_expiration_total",
		Help: "The total number of reads that found only an over-age record",
	})

	promCounterForDiskWrite = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_disk_write_ops_total",
		Help: "The total number of record files written",
	})

	promCounterForDiskWriteFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_disk_write_failures_total",
		Help: "The total number of record file writes that failed",
	})

	promCounterForBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_bytes_written_total",
		Help: "The total number of record bytes written to disk",
	})

	promCounterForEviction = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_eviction_total",
		Help: "The total number of records evicted to satisfy capacity bounds",
	})

	promCounterForMetadataRebuild = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_metadata_rebuild_total",
		Help: "The total number of full metadata rebuilds from the cache root",
	})

	promCounterForDecodeFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryjar_decode_failures_total",
		Help: "The total number of record files that failed to decode",
	})
)
