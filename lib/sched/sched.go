// Package sched implements the prioritized request queue and dispatch
// scheduler of the access layer. Requests are batched and paced: a batch of
// operations executes concurrently, outcomes feed the endpoint tracker and
// circuit breakers, and the scheduler sleeps a fixed interval between batches.
// The inter-batch sleep is a deliberate throughput cap that keeps the monitor
// under provider rate limits.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/block/types"
	"github.com/tarancss/wam/lib/endpoint"
	"github.com/tarancss/wam/lib/metrics"
	"github.com/tarancss/wam/lib/ratelimit"
)

// Priority of a queued request.
type Priority int

const (
	Normal Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}

	return "normal"
}

// Errors surfaced by the scheduler.
var (
	// ErrExhausted reports that the primary pool and every fallback endpoint
	// failed for an operation. It is the only dispatch failure surfaced to
	// callers; everything below it is retried locally.
	ErrExhausted = errors.New("sched: all endpoints exhausted")
	// ErrStale reports that a request aged past the staleness limit before a
	// batch picked it up, so it was dropped instead of executed.
	ErrStale = errors.New("sched: request dropped as stale")
	// ErrStopped reports the scheduler shut down with the request pending.
	ErrStopped = errors.New("sched: scheduler stopped")
)

// errRescheduled signals internally that an item was requeued and its result
// channel must not be completed yet.
var errRescheduled = errors.New("sched: rescheduled")

// Default scheduler parameters.
var (
	TickDefault          = 100 * time.Millisecond
	BatchSizeDefault     = 5
	BatchIntervalDefault = 6 * time.Second
	StalenessDefault     = 60 * time.Second
	OpTimeoutDefault     = 30 * time.Second
	RetryDelayDefault    = 2 * time.Second
	MaxTriesDefault      = 3
)

// Operation executes one request against the endpoint the pool supplied.
type Operation func(ctx context.Context, url string) error

// Config parameterizes a Scheduler.
type Config struct {
	Net           string        `json:"net"`
	Tick          time.Duration `json:"tick"`
	BatchSize     int           `json:"batchSize"`
	BatchInterval time.Duration `json:"batchInterval"`
	Staleness     time.Duration `json:"staleness"`
	OpTimeout     time.Duration `json:"opTimeout"`
	RetryDelay    time.Duration `json:"retryDelay"`
	MaxTries      int           `json:"maxTries"` // endpoint attempts per operation before fallbacks
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = TickDefault
	}
	if c.BatchSize <= 0 {
		c.BatchSize = BatchSizeDefault
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = BatchIntervalDefault
	}
	if c.Staleness <= 0 {
		c.Staleness = StalenessDefault
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = OpTimeoutDefault
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = RetryDelayDefault
	}
	if c.MaxTries <= 0 {
		c.MaxTries = MaxTriesDefault
	}
	return c
}

type item struct {
	op          Operation
	prio        Priority
	enqueued    time.Time
	rescheduled bool
	res         chan error
}

// Scheduler owns the priority and normal queues and the single drain loop.
type Scheduler struct {
	cfg    Config
	pool   *endpoint.Pool
	bucket *ratelimit.Bucket
	log    *zap.SugaredLogger

	mu       sync.Mutex
	high     []*item
	normal   []*item
	draining bool

	kick    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	now func() time.Time
}

// New builds a Scheduler over the given pool and rate bucket.
func New(cfg Config, pool *endpoint.Pool, bucket *ratelimit.Bucket, log *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:     cfg.withDefaults(),
		pool:    pool,
		bucket:  bucket,
		log:     log,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the drain loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop terminates the drain loop and fails all pending requests with
// ErrStopped. In-flight network calls are not cancelled mid-flight; their
// batch is awaited by the loop before it exits.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.stopped

	s.mu.Lock()
	pending := append(s.high, s.normal...)
	s.high, s.normal = nil, nil
	s.mu.Unlock()

	for _, it := range pending {
		it.res <- ErrStopped
	}

	s.depthGauges()
}

// Queue enqueues op with the given priority and returns the channel carrying
// its eventual result. The channel receives exactly once.
func (s *Scheduler) Queue(op Operation, prio Priority) <-chan error {
	it := &item{
		op:       op,
		prio:     prio,
		enqueued: s.now(),
		res:      make(chan error, 1),
	}

	s.mu.Lock()
	wasEmpty := len(s.high)+len(s.normal) == 0
	if prio == High {
		s.high = append(s.high, it)
	} else {
		s.normal = append(s.normal, it)
	}
	s.mu.Unlock()

	s.depthGauges()

	if wasEmpty {
		// wake the loop without waiting for the next tick; a full kick
		// channel means a wakeup is already pending
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}

	return it.res
}

// Depth returns the current queue depths, priority first.
func (s *Scheduler) Depth() (high, normal int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.high), len(s.normal)
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		s.drain()
	}
}

// drain runs batches until the queues are empty. The boolean guard keeps the
// drain single-flight: re-entrant invocations are no-ops.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()

		return
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}

		var wg sync.WaitGroup
		for _, it := range batch {
			wg.Add(1)

			go func(it *item) {
				defer wg.Done()
				s.execute(it)
			}(it)
		}
		wg.Wait()

		if err := sleepCtx(s.ctx, s.cfg.BatchInterval); err != nil {
			return
		}
	}
}

// takeBatch pulls up to batchSize items, all available priority items before
// any normal items. Items older than the staleness limit are dropped with
// ErrStale instead of executed.
func (s *Scheduler) takeBatch() []*item {
	s.mu.Lock()

	now := s.now()
	batch := make([]*item, 0, s.cfg.BatchSize)
	var stale []*item

	take := func(q []*item) []*item {
		for len(q) > 0 && len(batch) < s.cfg.BatchSize {
			it := q[0]
			q = q[1:]

			if now.Sub(it.enqueued) > s.cfg.Staleness {
				stale = append(stale, it)

				continue
			}

			batch = append(batch, it)
		}

		return q
	}

	s.high = take(s.high)
	s.normal = take(s.normal)

	s.mu.Unlock()
	s.depthGauges()

	for _, it := range stale {
		metrics.StaleDrops.WithLabelValues(s.cfg.Net).Inc()
		s.log.Debugw("dropping stale request", "net", s.cfg.Net, "age", s.now().Sub(it.enqueued))
		it.res <- ErrStale
	}

	return batch
}

func (s *Scheduler) execute(it *item) {
	err := s.dispatch(it)
	if errors.Is(err, errRescheduled) {
		return
	}

	it.res <- err
}

// dispatch runs one operation through circuit check, rate limiter and the
// network call, retrying across endpoints with a bounded attempt counter. A
// rate-limited operation is rescheduled once after a fixed delay; when the
// primary pool is exhausted the fallback endpoints are tried sequentially.
func (s *Scheduler) dispatch(it *item) error {
	for attempt := 0; attempt < s.cfg.MaxTries; attempt++ {
		url, err := s.pool.Select(s.ctx)
		if errors.Is(err, endpoint.ErrNoneEligible) {
			break
		}
		if err != nil {
			return ErrStopped
		}

		if err := s.pool.Allow(url); err != nil {
			// circuit tripped since selection: rotate without a network call
			metrics.Dispatches.WithLabelValues(s.cfg.Net, "circuit_open").Inc()

			continue
		}

		if err := s.bucket.Acquire(s.ctx); err != nil {
			return ErrStopped
		}

		start := s.now()
		err = s.call(it, url)
		latency := s.now().Sub(start)

		switch {
		case err == nil:
			s.pool.MarkSuccess(url, latency)
			s.bucket.RecordSuccess()
			metrics.Dispatches.WithLabelValues(s.cfg.Net, "success").Inc()

			return nil

		case types.IsRateLimited(err):
			s.pool.MarkRateLimited(url)
			s.bucket.RecordFailure()
			metrics.Dispatches.WithLabelValues(s.cfg.Net, "rate_limited").Inc()

			if !it.rescheduled {
				it.rescheduled = true
				s.reschedule(it)

				return errRescheduled
			}

		default:
			// timeouts and transport failures are transient: feed the breaker
			// and try the next endpoint the pool offers
			s.pool.MarkFailure(url)
			s.bucket.RecordFailure()
			metrics.Dispatches.WithLabelValues(s.cfg.Net, "transient").Inc()
			s.log.Debugw("operation failed, rotating",
				"net", s.cfg.Net, "endpoint", url, "attempt", attempt, "err", err)
		}
	}

	for _, fb := range s.pool.Fallbacks() {
		if err := s.call(it, fb); err != nil {
			s.log.Warnw("fallback endpoint failed", "net", s.cfg.Net, "endpoint", fb, "err", err)

			continue
		}

		metrics.Dispatches.WithLabelValues(s.cfg.Net, "success").Inc()

		return nil
	}

	metrics.Dispatches.WithLabelValues(s.cfg.Net, "exhausted").Inc()

	return ErrExhausted
}

// call runs the operation against url with the fixed per-operation timeout.
// There is no mid-flight cancellation beyond the timeout itself.
func (s *Scheduler) call(it *item, url string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpTimeout)
	defer cancel()

	return it.op(ctx, url)
}

// reschedule requeues a rate-limited item once, after a fixed delay,
// preserving its priority and original enqueue time.
func (s *Scheduler) reschedule(it *item) {
	metrics.Reschedules.WithLabelValues(s.cfg.Net).Inc()

	go func() {
		timer := time.NewTimer(s.cfg.RetryDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			it.res <- ErrStopped

			return
		case <-timer.C:
		}

		// the shutdown re-check shares the queue lock with Stop's drain, so
		// the item either lands in a queue Stop still flushes or fails here
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			it.res <- ErrStopped

			return
		}
		wasEmpty := len(s.high)+len(s.normal) == 0
		if it.prio == High {
			s.high = append(s.high, it)
		} else {
			s.normal = append(s.normal, it)
		}
		s.mu.Unlock()

		s.depthGauges()

		if wasEmpty {
			select {
			case s.kick <- struct{}{}:
			default:
			}
		}
	}()
}

func (s *Scheduler) depthGauges() {
	high, normal := s.Depth()
	metrics.QueueDepth.WithLabelValues(s.cfg.Net, "high").Set(float64(high))
	metrics.QueueDepth.WithLabelValues(s.cfg.Net, "normal").Set(float64(normal))
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
