package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInference(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	beforeTotal := TotalTokens()

	RecordInference(5, 10*time.Millisecond)

	if got := testutil.ToFloat64(InferenceTokensTotal) - before; got != 5 {
		t.Errorf("tokens counter advanced by %v, want 5", got)
	}
	if got := TotalTokens() - beforeTotal; got != 5 {
		t.Errorf("TotalTokens advanced by %d, want 5", got)
	}
}

func TestRecordDeviceOp(t *testing.T) {
	c := DeviceOps.WithLabelValues("matvec", "cpu")
	before := testutil.ToFloat64(c)

	RecordDeviceOp("matvec", "cpu")
	RecordDeviceOp("matvec", "cpu")

	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Errorf("device op counter advanced by %v, want 2", got)
	}
}

func TestRecordTokenizerEncodeFallbacks(t *testing.T) {
	before := testutil.ToFloat64(TokenizerByteFallbacks)

	RecordTokenizerEncode(4, 0, time.Microsecond)
	RecordTokenizerEncode(4, 3, time.Microsecond)

	if got := testutil.ToFloat64(TokenizerByteFallbacks) - before; got != 3 {
		t.Errorf("byte fallback counter advanced by %v, want 3", got)
	}
}

func TestRecordKVCacheStats(t *testing.T) {
	capBefore := testutil.ToFloat64(KVCacheCapacityBytes)
	usedBefore := testutil.ToFloat64(KVCacheUsedBytes)
	RecordKVCacheStats(1024, 256)
	RecordKVCacheStats(0, -128)

	if got := testutil.ToFloat64(KVCacheCapacityBytes) - capBefore; got != 1024 {
		t.Errorf("capacity gauge moved by %v, want 1024", got)
	}
	if got := testutil.ToFloat64(KVCacheUsedBytes) - usedBefore; got != 128 {
		t.Errorf("used gauge moved by %v, want 128", got)
	}
}
