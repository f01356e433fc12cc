package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minerva_forward_duration_seconds",
		Help:    "Duration of one transformer forward step",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"phase"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minerva_context_length_tokens",
		Help:    "Distribution of context lengths at session end",
		Buckets: []float64{16, 64, 256, 1024, 2048, 4096, 8192, 16384, 32768},
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_active_sessions",
		Help: "Generation sessions currently open",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_sessions_total",
		Help: "Finished generation sessions by finish reason",
	}, []string{"reason"})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_stage_errors_total",
		Help: "Errors by pipeline stage and kind",
	}, []string{"stage", "kind"})

	// Model cache
	ModelCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_model_cache_hits_total",
		Help: "Model cache lookups served from a resident entry",
	})

	ModelCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_model_cache_misses_total",
		Help: "Model cache lookups that triggered or joined a load",
	})

	ModelCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_model_cache_evictions_total",
		Help: "Models evicted under memory pressure",
	})

	ModelCacheResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_model_cache_resident_bytes",
		Help: "Bytes held by resident models",
	})

	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minerva_model_load_duration_seconds",
		Help:    "Time to load a model by backend kind",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"backend"})

	// Buffer pool
	PoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_buffer_pool_hits_total",
		Help: "Buffer requests satisfied from a pool bucket",
	})

	PoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_buffer_pool_misses_total",
		Help: "Buffer requests that allocated fresh memory",
	})

	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_buffer_pool_evictions_total",
		Help: "Idle buffers released by LRU eviction",
	})

	PoolIdleBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_buffer_pool_idle_bytes",
		Help: "Bytes parked in the buffer pool",
	})

	DeviceAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_device_allocated_bytes",
		Help: "Bytes currently allocated by compute devices",
	})

	// Device routing
	DeviceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_device_ops_total",
		Help: "Device operations by op and execution target",
	}, []string{"op", "target"})

	AcceleratorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_accelerator_fallbacks_total",
		Help: "Accelerator failures retried on general-purpose cores",
	}, []string{"op"})

	// KV cache
	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_kv_cache_used_bytes",
		Help: "Bytes of KV cache holding valid entries",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_kv_cache_capacity_bytes",
		Help: "Bytes reserved for KV caches",
	})

	KVCacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_kv_cache_overflows_total",
		Help: "Appends rejected because the context was full",
	})

	KVCacheShifts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_kv_cache_shifts_total",
		Help: "Context shifts that discarded old positions",
	})

	// Sampling
	SamplerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_sampler_fallbacks_total",
		Help: "Degenerate distributions resolved by arg-max",
	})

	// Tokenizer
	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minerva_tokenizer_encode_tokens",
		Help:    "Tokens produced per encode call",
		Buckets: []float64{1, 8, 32, 128, 512, 2048, 8192},
	})

	TokenizerByteFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_tokenizer_byte_fallbacks_total",
		Help: "Pieces encoded through byte fallback tokens",
	})

	TokenizerEncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minerva_tokenizer_encode_duration_seconds",
		Help:    "Encode latency",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	ForwardDuration.WithLabelValues("generate").Observe(duration.Seconds())
}

func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordForward(phase string, duration time.Duration) {
	ForwardDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordSessionEnd(reason string, contextLen int) {
	SessionsTotal.WithLabelValues(reason).Inc()
	ContextLengthHistogram.Observe(float64(contextLen))
}

func RecordStageError(stage, kind string) {
	StageErrors.WithLabelValues(stage, kind).Inc()
}

func RecordModelLoad(backend string, duration time.Duration) {
	ModelLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordDeviceOp(op, target string) {
	DeviceOps.WithLabelValues(op, target).Inc()
}

func RecordAcceleratorFallback(op string) {
	AcceleratorFallbacks.WithLabelValues(op).Inc()
}

func RecordDeviceMemory(bytes int64) {
	DeviceAllocatedBytes.Set(float64(bytes))
}

// RecordKVCacheStats adjusts the KV gauges by the given deltas; every
// session's cache contributes to the same totals.
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Add(float64(capacity))
	KVCacheUsedBytes.Add(float64(used))
}

func RecordTokenizerEncode(length int, fallbacks int, d time.Duration) {
	TokenizerEncodeLength.Observe(float64(length))
	TokenizerEncodeDuration.Observe(d.Seconds())
	if fallbacks > 0 {
		TokenizerByteFallbacks.Add(float64(fallbacks))
	}
}
