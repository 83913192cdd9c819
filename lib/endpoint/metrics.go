// Package endpoint tracks per-endpoint health and owns endpoint selection for
// the access layer. The tracker keeps rolling metrics for every configured
// endpoint; the pool manager ranks eligible endpoints by health score and
// enforces cooldowns and circuit state on selection.
package endpoint

import (
	"sync"
	"time"
)

// Rolling latency window spans.
const (
	window1m  = time.Minute
	window5m  = 5 * time.Minute
	window15m = 15 * time.Minute
)

// Default scoring parameters.
var (
	WeightsDefault             = Weights{Success: 0.4, Latency: 0.3, RateLimit: 0.3}
	ReferenceLatencyDefault    = time.Second
	ReferenceRateLimitsDefault = uint64(10)
	AlphaDefault               = 0.2
)

// Weights of the health score components. They should sum to 1 but the score
// formula does not require it.
type Weights struct {
	Success   float64 `json:"success"`
	Latency   float64 `json:"latency"`
	RateLimit float64 `json:"rateLimit"`
}

// TrackerConfig parameterizes health scoring.
type TrackerConfig struct {
	Weights             Weights       `json:"weights"`
	ReferenceLatency    time.Duration `json:"referenceLatency"`
	ReferenceRateLimits uint64        `json:"referenceRateLimits"`
	Alpha               float64       `json:"alpha"` // EMA smoothing factor
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.Weights == (Weights{}) {
		c.Weights = WeightsDefault
	}
	if c.ReferenceLatency <= 0 {
		c.ReferenceLatency = ReferenceLatencyDefault
	}
	if c.ReferenceRateLimits == 0 {
		c.ReferenceRateLimits = ReferenceRateLimitsDefault
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = AlphaDefault
	}
	return c
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

// apiMetrics is the mutable health record of one endpoint. Created at startup
// for every configured endpoint and never deleted while the process runs.
type apiMetrics struct {
	successCount        uint64
	failureCount        uint64
	consecutiveFailures int
	rateLimitHits       uint64
	avgLatency          time.Duration // exponential running average
	lastRateLimit       time.Time
	samples             []latencySample // pruned beyond the widest window
}

// Snapshot is the exported view of an endpoint's metrics.
type Snapshot struct {
	SuccessCount        uint64        `json:"successCount"`
	FailureCount        uint64        `json:"failureCount"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	RateLimitHits       uint64        `json:"rateLimitHits"`
	AvgLatency          time.Duration `json:"avgLatency"`
	Window1m            time.Duration `json:"window1m"`
	Window5m            time.Duration `json:"window5m"`
	Window15m           time.Duration `json:"window15m"`
	LastRateLimit       time.Time     `json:"lastRateLimit,omitempty"`
}

// Tracker keeps rolling metrics per endpoint identifier. It references
// endpoints by URL only; ownership of endpoint state stays with the Pool.
type Tracker struct {
	mu  sync.Mutex
	cfg TrackerConfig
	m   map[string]*apiMetrics

	now func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg: cfg.withDefaults(),
		m:   make(map[string]*apiMetrics),
		now: time.Now,
	}
}

// Register creates the metrics record for url if not present.
func (t *Tracker) Register(url string) {
	t.mu.Lock()
	if _, ok := t.m[url]; !ok {
		t.m[url] = &apiMetrics{}
	}
	t.mu.Unlock()
}

// RecordSuccess updates counts and the latency averages for url.
func (t *Tracker) RecordSuccess(url string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metric(url)
	m.successCount++
	m.consecutiveFailures = 0

	if m.avgLatency == 0 {
		m.avgLatency = latency
	} else {
		m.avgLatency += time.Duration(t.cfg.Alpha * float64(latency-m.avgLatency))
	}

	now := t.now()
	m.samples = append(m.samples, latencySample{at: now, d: latency})
	m.prune(now)
}

// RecordFailure updates failure counts for url.
func (t *Tracker) RecordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metric(url)
	m.failureCount++
	m.consecutiveFailures++
}

// RecordRateLimit notes a provider throttle for url. A rate limit counts as a
// failure too: it is a completed operation that yielded no result.
func (t *Tracker) RecordRateLimit(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metric(url)
	m.rateLimitHits++
	m.failureCount++
	m.consecutiveFailures++
	m.lastRateLimit = t.now()
}

// Score computes the weighted health score of url in [0,1]:
// w.Success*successRate + w.Latency*(1-normLatency) + w.RateLimit*(1-normRateLimits).
// An endpoint with no completed operations scores as fully healthy so new
// endpoints are eligible immediately.
func (t *Tracker) Score(url string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.score(t.metric(url))
}

// ConsecutiveFailures returns the current failure streak of url, used as the
// selection tie-breaker.
func (t *Tracker) ConsecutiveFailures(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.metric(url).consecutiveFailures
}

// Snapshot returns the exported metrics view of url.
func (t *Tracker) Snapshot(url string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.snapshot(t.metric(url))
}

func (t *Tracker) metric(url string) *apiMetrics {
	m, ok := t.m[url]
	if !ok {
		m = &apiMetrics{}
		t.m[url] = m
	}

	return m
}

func (t *Tracker) score(m *apiMetrics) float64 {
	successRate := 1.0
	if total := m.successCount + m.failureCount; total > 0 {
		successRate = float64(m.successCount) / float64(total)
	}

	normLatency := float64(m.avgLatency) / float64(t.cfg.ReferenceLatency)
	if normLatency > 1 {
		normLatency = 1
	}

	normRateLimits := float64(m.rateLimitHits) / float64(t.cfg.ReferenceRateLimits)
	if normRateLimits > 1 {
		normRateLimits = 1
	}

	w := t.cfg.Weights

	return w.Success*successRate + w.Latency*(1-normLatency) + w.RateLimit*(1-normRateLimits)
}

func (t *Tracker) snapshot(m *apiMetrics) Snapshot {
	now := t.now()
	m.prune(now)

	return Snapshot{
		SuccessCount:        m.successCount,
		FailureCount:        m.failureCount,
		ConsecutiveFailures: m.consecutiveFailures,
		RateLimitHits:       m.rateLimitHits,
		AvgLatency:          m.avgLatency,
		Window1m:            m.windowAvg(now, window1m),
		Window5m:            m.windowAvg(now, window5m),
		Window15m:           m.windowAvg(now, window15m),
		LastRateLimit:       m.lastRateLimit,
	}
}

// prune drops samples older than the widest rolling window.
func (m *apiMetrics) prune(now time.Time) {
	cut := now.Add(-window15m)

	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cut) {
		i++
	}

	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

func (m *apiMetrics) windowAvg(now time.Time, span time.Duration) time.Duration {
	cut := now.Add(-span)

	var total time.Duration
	var n int

	for _, s := range m.samples {
		if !s.at.Before(cut) {
			total += s.d
			n++
		}
	}

	if n == 0 {
		return 0
	}

	return total / time.Duration(n)
}
