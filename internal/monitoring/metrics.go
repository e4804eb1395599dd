package monitoring

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Engine health states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// EngineMetrics tracks index cache activity and process health
type EngineMetrics struct {
	// Flush metrics
	FlushesSucceeded  int64         `json:"flushes_succeeded"`
	FlushesFailed     int64         `json:"flushes_failed"`
	VectorsFlushed    int64         `json:"vectors_flushed"`
	LastFlushDuration time.Duration `json:"last_flush_duration"`
	LastFlushAt       time.Time     `json:"last_flush_at,omitempty"`

	// Read metrics
	Searches       int64 `json:"searches"`
	MergedSearches int64 `json:"merged_searches"`
	Loads          int64 `json:"loads"`
	LoadFailures   int64 `json:"load_failures"`

	// Eviction metrics
	Evictions        int64 `json:"evictions"`
	BlockedEvictions int64 `json:"blocked_evictions"`

	// System metrics
	UptimeSeconds    int64   `json:"uptime_seconds"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	MemoryUsageMB    float64 `json:"memory_usage_mb"`
	GoroutineCount   int     `json:"goroutine_count"`

	Timestamp time.Time `json:"timestamp"`

	// Internal fields for tracking
	mutex     sync.RWMutex        `json:"-"`
	startTime time.Time           `json:"-"`
	alerting  map[string]struct{} `json:"-"`
}

// NewEngineMetrics creates a new metrics instance
func NewEngineMetrics() *EngineMetrics {
	now := time.Now()
	return &EngineMetrics{
		Timestamp: now,
		startTime: now,
		alerting:  make(map[string]struct{}),
	}
}

// RecordFlush counts a committed flush for tenant and clears its alert.
func (m *EngineMetrics) RecordFlush(tenant string, vectors int, d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.FlushesSucceeded++
	m.VectorsFlushed += int64(vectors)
	m.LastFlushDuration = d
	m.LastFlushAt = time.Now()
	delete(m.alerting, tenant)
	m.Timestamp = m.LastFlushAt
}

// RecordFlushFailure counts a failed flush. alert marks the tenant as
// having crossed the consecutive-failure threshold.
func (m *EngineMetrics) RecordFlushFailure(tenant string, alert bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.FlushesFailed++
	if alert {
		m.alerting[tenant] = struct{}{}
	}
	m.Timestamp = time.Now()
}

// ForgetTenant drops any alert held for a tenant that left the cache.
func (m *EngineMetrics) ForgetTenant(tenant string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.alerting, tenant)
}

// RecordSearch counts a search. merged is true when pending vectors forced
// a cloned view.
func (m *EngineMetrics) RecordSearch(merged bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Searches++
	if merged {
		m.MergedSearches++
	}
}

// RecordLoad counts an index load attempt.
func (m *EngineMetrics) RecordLoad(ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Loads++
	if !ok {
		m.LoadFailures++
	}
}

// RecordSweep counts one eviction pass.
func (m *EngineMetrics) RecordSweep(evicted, blocked int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Evictions += int64(evicted)
	m.BlockedEvictions += int64(blocked)
	m.Timestamp = time.Now()
}

// UpdateSystemMetrics updates system-level metrics
func (m *EngineMetrics) UpdateSystemMetrics() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.UptimeSeconds = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsageBytes = int64(memStats.Alloc)
	m.MemoryUsageMB = float64(memStats.Alloc) / 1024 / 1024

	m.GoroutineCount = runtime.NumGoroutine()
	m.Timestamp = time.Now()
}

// MetricsSnapshot is a data-only copy of EngineMetrics, safe to pass by value.
type MetricsSnapshot struct {
	FlushesSucceeded  int64         `json:"flushes_succeeded"`
	FlushesFailed     int64         `json:"flushes_failed"`
	VectorsFlushed    int64         `json:"vectors_flushed"`
	LastFlushDuration time.Duration `json:"last_flush_duration"`
	LastFlushAt       time.Time     `json:"last_flush_at,omitempty"`
	Searches          int64         `json:"searches"`
	MergedSearches    int64         `json:"merged_searches"`
	Loads             int64         `json:"loads"`
	LoadFailures      int64         `json:"load_failures"`
	Evictions         int64         `json:"evictions"`
	BlockedEvictions  int64         `json:"blocked_evictions"`
	UptimeSeconds     int64         `json:"uptime_seconds"`
	MemoryUsageBytes  int64         `json:"memory_usage_bytes"`
	MemoryUsageMB     float64       `json:"memory_usage_mb"`
	GoroutineCount    int           `json:"goroutine_count"`
	Timestamp         time.Time     `json:"timestamp"`
	Status            string        `json:"status"`
	AlertingTenants   []string      `json:"alerting_tenants,omitempty"`
}

// Snapshot returns a thread-safe copy of the current metrics
func (m *EngineMetrics) Snapshot() MetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s := MetricsSnapshot{
		FlushesSucceeded:  m.FlushesSucceeded,
		FlushesFailed:     m.FlushesFailed,
		VectorsFlushed:    m.VectorsFlushed,
		LastFlushDuration: m.LastFlushDuration,
		LastFlushAt:       m.LastFlushAt,
		Searches:          m.Searches,
		MergedSearches:    m.MergedSearches,
		Loads:             m.Loads,
		LoadFailures:      m.LoadFailures,
		Evictions:         m.Evictions,
		BlockedEvictions:  m.BlockedEvictions,
		UptimeSeconds:     m.UptimeSeconds,
		MemoryUsageBytes:  m.MemoryUsageBytes,
		MemoryUsageMB:     m.MemoryUsageMB,
		GoroutineCount:    m.GoroutineCount,
		Timestamp:         m.Timestamp,
		Status:            m.statusLocked(),
	}
	for t := range m.alerting {
		s.AlertingTenants = append(s.AlertingTenants, t)
	}
	sort.Strings(s.AlertingTenants)
	return s
}

func (m *EngineMetrics) statusLocked() string {
	if len(m.alerting) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// IsHealthy reports whether no tenant is past the flush failure threshold.
func (m *EngineMetrics) IsHealthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.statusLocked() == StatusHealthy
}

// GetUptime returns the uptime as a duration
func (m *EngineMetrics) GetUptime() time.Duration {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return time.Since(m.startTime)
}

// Reset resets counters (but preserves startTime)
func (m *EngineMetrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.FlushesSucceeded = 0
	m.FlushesFailed = 0
	m.VectorsFlushed = 0
	m.LastFlushDuration = 0
	m.LastFlushAt = time.Time{}
	m.Searches = 0
	m.MergedSearches = 0
	m.Loads = 0
	m.LoadFailures = 0
	m.Evictions = 0
	m.BlockedEvictions = 0
	m.MemoryUsageBytes = 0
	m.MemoryUsageMB = 0
	m.GoroutineCount = 0
	m.alerting = make(map[string]struct{})
	m.Timestamp = time.Now()
}
