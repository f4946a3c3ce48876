package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// CacheSource exposes cache counters to the collector
type CacheSource interface {
	Stats() types.CacheStats
	PoolStats() types.PoolStats
}

// Collector exports durastore metrics to Prometheus. It also implements
// types.EventRecorder so it can sit in the event fan-out.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	eventCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	events     map[string]int64
	lastReset  time.Time

	server *http.Server
	addr   string
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig serves /metrics on :9090 under the durastore namespace
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Address:   ":9090",
		Path:      "/metrics",
		Namespace: "durastore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	c := &Collector{
		config: config,
		logger: logger.WithComponent("metrics"),
	}
	if !config.Enabled {
		return c, nil
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c.registry = prometheus.NewRegistry()
	c.operations = make(map[string]*OperationMetrics)
	c.events = make(map[string]int64)
	c.lastReset = time.Now()

	c.initMetrics()
	if err := c.register(c.operationCounter, c.operationDuration, c.operationSize,
		c.eventCounter, c.errorCounter); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Enabled reports whether metrics are collected
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the Prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	}
	mux.HandleFunc("/health", c.healthHandler)
	return mux
}

// Start serves Handler on the configured address until Stop or ctx ends
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.addr = ln.Addr().String()
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server stopped", map[string]interface{}{
				"error": err,
			})
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	c.logger.Info("Serving metrics", map[string]interface{}{
		"address": c.addr,
		"path":    c.config.Path,
	})
	return nil
}

// Addr returns the listening address once started
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.RLock()
	server := c.server
	c.mu.RUnlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Record implements types.EventRecorder by counting events per name
func (c *Collector) Record(name string, _ map[string]interface{}) {
	if !c.config.Enabled {
		return
	}
	c.eventCounter.With(prometheus.Labels{"event": name}).Inc()

	c.mu.Lock()
	c.events[name]++
	c.mu.Unlock()
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordError counts err under its DurableError code
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

// WatchCache exports the cache's counters and pool usage. Values are read
// from src at scrape time.
func (c *Collector) WatchCache(src CacheSource) error {
	if !c.config.Enabled {
		return nil
	}

	counter := func(name, help string, fn func(types.CacheStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(c.opts(name, help), func() float64 {
			return float64(fn(src.Stats()))
		})
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts(c.opts(name, help)), fn)
	}

	return c.register(
		counter("cache_hits_total", "Cache hits", func(s types.CacheStats) uint64 { return s.Hits }),
		counter("cache_misses_total", "Cache misses", func(s types.CacheStats) uint64 { return s.Misses }),
		counter("cache_evictions_total", "Memory tier evictions", func(s types.CacheStats) uint64 { return s.Evictions }),
		counter("cache_demotions_total", "Entries demoted to the disk tier", func(s types.CacheStats) uint64 { return s.Demotions }),
		counter("cache_promotions_total", "Entries promoted from the disk tier", func(s types.CacheStats) uint64 { return s.Promotions }),
		counter("cache_integrity_failures_total", "Checksum mismatches", func(s types.CacheStats) uint64 { return s.IntegrityFailures }),
		counter("cache_allocation_denied_total", "Denied memory pool allocations", func(s types.CacheStats) uint64 { return s.AllocationDenied }),
		gauge("cache_entries", "Entries in the memory tier", func() float64 { return float64(src.Stats().Entries) }),
		gauge("cache_disk_entries", "Entries in the disk tier", func() float64 { return float64(src.Stats().DiskEntries) }),
		gauge("cache_compression_saved_bytes", "Bytes saved by compression in the memory tier", func() float64 { return float64(src.Stats().BytesSaved) }),
		gauge("cache_pool_used_bytes", "Memory pool bytes in use", func() float64 { return float64(src.PoolStats().Used) }),
		gauge("cache_pool_usable_bytes", "Memory pool budget minus reserve", func() float64 { return float64(src.PoolStats().Usable) }),
		gauge("cache_pool_utilization", "Memory pool utilization ratio", func() float64 { return src.PoolStats().Utilization }),
	)
}

// WatchGauge exports fn as a gauge read at scrape time
func (c *Collector) WatchGauge(name, help string, fn func() float64) error {
	if !c.config.Enabled {
		return nil
	}
	return c.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts(c.opts(name, help)), fn))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}
	events := make(map[string]int64, len(c.events))
	for k, v := range c.events {
		events[k] = v
	}

	return map[string]interface{}{
		"operations": operations,
		"events":     events,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal operation tracking. Prometheus
// counters are monotonic and keep their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.events = make(map[string]int64)
	c.lastReset = time.Now()
}

func (c *Collector) opts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(c.opts("operations_total", "Total number of operations"),
		[]string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_size_bytes",
			Help:        "Size of operations in bytes",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)

	c.eventCounter = prometheus.NewCounterVec(c.opts("events_total", "State transition events by name"),
		[]string{"event"})

	c.errorCounter = prometheus.NewCounterVec(c.opts("errors_total", "Errors by operation and code"),
		[]string{"operation", "code"})
}

func (c *Collector) register(collectors ...prometheus.Collector) error {
	for _, m := range collectors {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// classifyError labels err with its DurableError code, or "other"
func classifyError(err error) string {
	var de *errors.DurableError
	if stderrors.As(err, &de) {
		return string(de.Code)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return string(errors.ErrCodeOperationTimeout)
	}
	return "other"
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"durastore-metrics"}`))
}

type operationSummary struct {
	Name string `json:"name"`
	OperationMetrics
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	metrics := c.GetMetrics()
	operations, _ := metrics["operations"].(map[string]*OperationMetrics)

	summary := make([]operationSummary, 0, len(operations))
	for name, op := range operations {
		summary = append(summary, operationSummary{Name: name, OperationMetrics: *op})
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].Name < summary[j].Name })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime":     metrics["uptime"].(time.Duration).String(),
		"operations": summary,
		"events":     metrics["events"],
	})
}
