package endpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/breaker"
	"github.com/tarancss/wam/lib/metrics"
	"github.com/tarancss/wam/lib/util"
)

// Errors returned by the pool manager.
var (
	ErrNoEndpoints  = errors.New("endpoint: no endpoint configured")
	ErrNoneEligible = errors.New("endpoint: no eligible endpoint")
	ErrUnknown      = errors.New("endpoint: endpoint not in pool")
	ErrDuplicate    = errors.New("endpoint: endpoint already in pool")
)

// Default pool timings.
var (
	CooldownDefault = 60 * time.Second
	SettleDefault   = 30 * time.Second
)

// Config parameterizes a Pool.
type Config struct {
	Net       string         `json:"net"`
	Cooldown  time.Duration  `json:"cooldown"`
	Settle    time.Duration  `json:"settle"`
	Breaker   breaker.Config `json:"breaker"`
	Fallbacks []string       `json:"fallbacks"`
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = CooldownDefault
	}
	if c.Settle <= 0 {
		c.Settle = SettleDefault
	}
	return c
}

// Health is the per-endpoint view returned by HealthSnapshot.
type Health struct {
	URL           string         `json:"url"`
	Active        bool           `json:"active"`
	Score         float64        `json:"score"`
	Circuit       breaker.Status `json:"circuit"`
	CooldownUntil time.Time      `json:"cooldownUntil,omitempty"`
	Metrics       Snapshot       `json:"metrics"`
}

// Pool owns the configured endpoints, the current active endpoint and the
// cooldown registry. It is the only writer of the active index; the tracker
// and breakers reference endpoints by URL without owning them.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	tracker  *Tracker
	urls     []string
	active   int
	cooldown map[string]time.Time
	breakers map[string]*breaker.Breaker
	log      *zap.SugaredLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPool builds a pool over urls. At least one endpoint must be configured;
// starting without any is a configuration error.
func NewPool(cfg Config, tracker *Tracker, urls []string, log *zap.SugaredLogger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}

	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:      cfg,
		tracker:  tracker,
		urls:     append([]string(nil), urls...),
		cooldown: make(map[string]time.Time),
		breakers: make(map[string]*breaker.Breaker),
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}

	for _, u := range p.urls {
		tracker.Register(u)
		p.breakers[u] = breaker.New(cfg.Breaker)
	}

	return p, nil
}

// Active returns the current active endpoint URL.
func (p *Pool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active >= len(p.urls) {
		return ""
	}

	return p.urls[p.active]
}

// Select picks the eligible endpoint with the highest health score, breaking
// ties by lowest consecutive failures, and makes it active. Endpoints that
// are circuit-open or within their cooldown window are never selected. When
// nothing is eligible the pool sleeps one settle interval and retries once
// before reporting ErrNoneEligible so the caller can escalate to fallbacks.
func (p *Pool) Select(ctx context.Context) (string, error) {
	if url, ok := p.pick(); ok {
		return url, nil
	}

	p.log.Infow("no eligible endpoint, settling", "net", p.cfg.Net, "settle", p.cfg.Settle)

	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return "", err
	}

	if url, ok := p.pick(); ok {
		return url, nil
	}

	return "", ErrNoneEligible
}

func (p *Pool) pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	best := -1
	var bestScore float64
	var bestStreak int

	for i, u := range p.urls {
		if p.breakers[u].Allow() != nil {
			continue
		}
		if now.Before(p.cooldown[u]) {
			continue
		}

		score := p.tracker.Score(u)
		streak := p.tracker.ConsecutiveFailures(u)

		if best == -1 || score > bestScore || (score == bestScore && streak < bestStreak) {
			best, bestScore, bestStreak = i, score, streak
		}
	}

	if best == -1 {
		return "", false
	}

	if best != p.active {
		metrics.Rotations.WithLabelValues(p.cfg.Net).Inc()
		p.log.Infow("rotating endpoint",
			"net", p.cfg.Net, "from", p.urls[p.active], "to", p.urls[best], "score", bestScore)
	}
	p.active = best

	return p.urls[best], true
}

// Allow re-checks the circuit of url right before dispatch. Selection already
// filters open circuits, but failures recorded by concurrent operations can
// trip a breaker between selection and execution.
func (p *Pool) Allow(url string) error {
	p.mu.Lock()
	b, ok := p.breakers[url]
	p.mu.Unlock()

	if !ok {
		return ErrUnknown
	}

	return b.Allow()
}

// Fallbacks returns the configured public backup endpoints.
func (p *Pool) Fallbacks() []string {
	return append([]string(nil), p.cfg.Fallbacks...)
}

// Cooling reports whether url is inside its cooldown window. Entries expire
// naturally when checked.
func (p *Pool) Cooling(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.now().Before(p.cooldown[url])
}

// MarkSuccess records a successful operation against url.
func (p *Pool) MarkSuccess(url string, latency time.Duration) {
	p.tracker.RecordSuccess(url, latency)

	p.mu.Lock()
	if b, ok := p.breakers[url]; ok {
		b.RecordSuccess()
	}
	p.mu.Unlock()

	p.gauge(url)
}

// MarkFailure records a failed operation against url, feeding the circuit
// breaker.
func (p *Pool) MarkFailure(url string) {
	p.tracker.RecordFailure(url)

	p.mu.Lock()
	if b, ok := p.breakers[url]; ok {
		b.RecordFailure()
	}
	p.mu.Unlock()

	p.gauge(url)
}

// MarkRateLimited records a provider throttle against url. The cooldown is
// mandatory even if the circuit has not tripped yet: it keeps the pool from
// immediately re-selecting a provider that just rejected a request.
func (p *Pool) MarkRateLimited(url string) {
	p.tracker.RecordRateLimit(url)

	p.mu.Lock()
	p.cooldown[url] = p.now().Add(p.cfg.Cooldown)
	if b, ok := p.breakers[url]; ok {
		b.RecordFailure()
	}
	p.mu.Unlock()

	p.log.Warnw("endpoint rate limited, cooling down",
		"net", p.cfg.Net, "endpoint", url, "cooldown", p.cfg.Cooldown)
	p.gauge(url)
}

// Add registers a new endpoint URL. Administrative, not on the hot path.
func (p *Pool) Add(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if util.In(p.urls, url) {
		return ErrDuplicate
	}

	p.urls = append(p.urls, url)
	p.tracker.Register(url)
	p.breakers[url] = breaker.New(p.cfg.Breaker)

	return nil
}

// Remove drops url from selection. Its metrics record is retained for the
// lifetime of the process.
func (p *Pool) Remove(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, u := range p.urls {
		if u != url {
			continue
		}

		p.urls = append(p.urls[:i], p.urls[i+1:]...)
		if len(p.urls) == 0 {
			p.active = 0
		} else if p.active >= len(p.urls) {
			p.active = len(p.urls) - 1
		}

		return nil
	}

	return ErrUnknown
}

// HealthSnapshot returns the per-endpoint health view, ordered by URL.
func (p *Pool) HealthSnapshot() []Health {
	p.mu.Lock()
	urls := append([]string(nil), p.urls...)
	var active string
	if p.active < len(p.urls) {
		active = p.urls[p.active]
	}
	cooldowns := make(map[string]time.Time, len(urls))
	circuits := make(map[string]breaker.Status, len(urls))
	for _, u := range urls {
		cooldowns[u] = p.cooldown[u]
		circuits[u] = p.breakers[u].Snapshot()
	}
	p.mu.Unlock()

	sort.Strings(urls)

	hs := make([]Health, 0, len(urls))
	for _, u := range urls {
		hs = append(hs, Health{
			URL:           u,
			Active:        u == active,
			Score:         p.tracker.Score(u),
			Circuit:       circuits[u],
			CooldownUntil: cooldowns[u],
			Metrics:       p.tracker.Snapshot(u),
		})
	}

	return hs
}

func (p *Pool) gauge(url string) {
	metrics.HealthScore.WithLabelValues(p.cfg.Net, url).Set(p.tracker.Score(url))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()

		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
