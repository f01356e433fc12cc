package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/service"
)

// Version is reported by /status.
var Version = "dev"

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      *service.Stats  `json:"engine,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	NanCount        int       `json:"nan_count"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, performance, activations
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StatsSource is what the monitor reports on; *service.Service satisfies it.
type StatsSource interface {
	Stats() service.Stats
}

// HealthMonitor monitors system health
type HealthMonitor struct {
	startTime time.Time
	source    StatsSource
	server    *http.Server
	log       *logger.Logger

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	nanCount      int
}

// PerfPoint represents a performance data point
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

// NewHealthMonitor creates a health monitor; source may be nil.
func NewHealthMonitor(source StatsSource) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		source:    source,
		log:       logger.Log.With("component", "monitoring"),
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr and blocks until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("Health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordInference records one finished generation.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastInference = now
	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration, Failed: err != nil}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	if err != nil {
		hm.addAlertLocked("error", "engine", fmt.Sprintf("Generation failed: %v", err))
		return
	}
	hm.checkPerformanceAlerts(point)
}

// RecordTrace raises alerts for collapsed, saturated or non-finite
// activations in a finished trace.
func (hm *HealthMonitor) RecordTrace(t *engine.Trace) {
	anomalies := t.Anomalies()
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, a := range anomalies {
		hm.nanCount += a.NaNs
		switch {
		case a.NaNs > 0 || a.Infs > 0:
			hm.addAlertLocked("critical", "activations",
				fmt.Sprintf("Non-finite %s activations at layer %d, position %d", a.Stage, a.Layer, a.Position))
		case a.Saturated():
			hm.addAlertLocked("warning", "activations",
				fmt.Sprintf("Saturated %s activations at layer %d (max %.3g)", a.Stage, a.Layer, a.Max))
		case a.Collapsed():
			hm.addAlertLocked("warning", "activations",
				fmt.Sprintf("Collapsed %s activations at layer %d (rms %.3g)", a.Stage, a.Layer, a.RMS))
		}
	}
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()
	if alerts == nil {
		alerts = []Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	var stats *service.Stats
	if hm.source != nil {
		s := hm.source.Stats()
		stats = &s
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      stats,
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{LastInference: hm.lastInference, NanCount: hm.nanCount}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens, failed int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			failed++
		}
		totalTokens += p.Tokens
		totalDuration += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 {
		return
	}
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if point.Tokens > 0 && tokensPerSecond < 1.0 {
		hm.addAlertLocked("warning", "performance",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tokensPerSecond))
	}
	if point.Tokens == 0 {
		return
	}
	// per generated token
	latencyMs := float64(point.Duration.Nanoseconds()) / 1e6 / float64(point.Tokens)
	if latencyMs > 5000 {
		hm.addAlertLocked("error", "performance",
			fmt.Sprintf("High latency: %.2f ms/token", latencyMs))
	}
}
