// Package watcher implements the wallet activity monitor.
//
// The monitor keeps a pool of RPC endpoints per network and routes every
// chain read through a priority scheduler, so endpoint failures, provider
// throttles and bursts of wallet checks never hit a single node. Confirmed
// wallet activity fans out to in-process subscribers and to the message
// broker.
package watcher

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/block"
	"github.com/tarancss/wam/lib/block/types"
	"github.com/tarancss/wam/lib/breaker"
	"github.com/tarancss/wam/lib/config"
	"github.com/tarancss/wam/lib/endpoint"
	"github.com/tarancss/wam/lib/msg"
	"github.com/tarancss/wam/lib/ratelimit"
	"github.com/tarancss/wam/lib/sched"
)

// subBuffer is the per-subscriber channel depth. A subscriber that stops
// draining loses alerts rather than stalling the poller.
const subBuffer = 64

// network bundles everything the monitor holds per configured network: one
// chain client per endpoint, the endpoint pool, the shared token bucket and
// the request scheduler.
type network struct {
	cfg    config.NetworkConfig
	chains map[string]block.Chain // keyed by endpoint url
	pool   *endpoint.Pool
	bucket *ratelimit.Bucket
	sched  *sched.Scheduler
}

// wallet is one watched address and its poll admission state.
type wallet struct {
	Net         string    `json:"net"`
	Address     string    `json:"address"`
	LastChecked time.Time `json:"lastChecked"`
}

// Watcher contains the data necessary to deliver the service.
type Watcher struct {
	log  *zap.SugaredLogger
	mb   msg.Notifier
	nets map[string]*network

	minCheck time.Duration
	sigLimit int
	ttl      time.Duration
	seenMu   sync.Mutex
	seen     *lru.Cache[string, time.Time] // signature dedup, value is expiry

	mu      sync.Mutex
	wallets []*wallet
	subs    []chan types.Trans

	cron *cron.Cron
	s    *http.Server  // http server
	ss   *http.Server  // https server
	sc   chan struct{} // http server channel used for graceful shutdowns

	now func() time.Time
}

// New builds a Watcher from the service configuration, dialing one chain
// client per configured endpoint. The message broker may be nil when alerts
// are only consumed in-process.
func New(conf config.ServiceConfig, mb msg.Notifier, log *zap.SugaredLogger) (*Watcher, error) {
	pollCfg := conf.Poller
	seen, err := lru.New[string, time.Time](pollCfg.CacheSize)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:      log,
		mb:       mb,
		nets:     make(map[string]*network, len(conf.Networks)),
		minCheck: time.Duration(pollCfg.MinCheckSec) * time.Second,
		sigLimit: pollCfg.SigLimit,
		ttl:      time.Duration(pollCfg.CacheTTLMin) * time.Minute,
		seen:     seen,
		now:      time.Now,
	}

	for _, nc := range conf.Networks {
		nw, err := buildNetwork(nc, conf, log)
		if err != nil {
			w.closeChains()
			return nil, fmt.Errorf("network %s: %w", nc.Name, err)
		}
		w.nets[nc.Name] = nw
	}

	for _, wc := range conf.Watch {
		if err := w.Watch(wc.Net, wc.Address); err != nil {
			w.closeChains()
			return nil, err
		}
	}
	return w, nil
}

func buildNetwork(nc config.NetworkConfig, conf config.ServiceConfig, log *zap.SugaredLogger) (*network, error) {
	if len(nc.Endpoints) == 0 {
		return nil, types.ErrNoEndpoint
	}

	tracker := endpoint.NewTracker(endpoint.TrackerConfig{})
	pool, err := endpoint.NewPool(endpoint.Config{
		Net:      nc.Name,
		Cooldown: time.Duration(conf.Pool.CooldownSec) * time.Second,
		Settle:   time.Duration(conf.Pool.SettleSec) * time.Second,
		Breaker: breaker.Config{
			Threshold:     conf.Breaker.Threshold,
			ResetInterval: time.Duration(conf.Breaker.ResetSec) * time.Second,
		},
		Fallbacks: nc.Fallbacks,
	}, tracker, nc.Endpoints, log)
	if err != nil {
		return nil, err
	}

	bucket := ratelimit.New(ratelimit.Config{
		Capacity:  float64(conf.Limiter.Capacity),
		Rate:      conf.Limiter.Rate,
		BaseDelay: time.Duration(conf.Limiter.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(conf.Limiter.MaxDelayMs) * time.Millisecond,
	})

	nw := &network{
		cfg:    nc,
		chains: make(map[string]block.Chain),
		pool:   pool,
		bucket: bucket,
		sched: sched.New(sched.Config{
			Net:           nc.Name,
			Tick:          time.Duration(conf.Sched.TickMs) * time.Millisecond,
			BatchSize:     conf.Sched.BatchSize,
			BatchInterval: time.Duration(conf.Sched.BatchIntervalSec) * time.Second,
			Staleness:     time.Duration(conf.Sched.StalenessSec) * time.Second,
			OpTimeout:     time.Duration(conf.Sched.OpTimeoutSec) * time.Second,
			RetryDelay:    time.Duration(conf.Sched.RetryDelaySec) * time.Second,
			MaxTries:      conf.Sched.MaxTries,
		}, pool, bucket, log),
	}

	for _, url := range append(append([]string{}, nc.Endpoints...), nc.Fallbacks...) {
		c, err := block.Dial(nc.Kind, url, nc.Secret, nc.StartBlock)
		if err != nil {
			nw.close()
			return nil, err
		}
		nw.chains[url] = c
	}
	return nw, nil
}

func (nw *network) close() {
	for _, c := range nw.chains {
		c.Close()
	}
}

// chain returns the client dialed for url.
func (nw *network) chain(url string) (block.Chain, error) {
	c, ok := nw.chains[url]
	if !ok {
		return nil, types.ErrNoEndpoint
	}
	return c, nil
}

// Start launches the schedulers, the poll cycle and the maintenance jobs.
func (w *Watcher) Start() error {
	for name, nw := range w.nets {
		nw.sched.Start()
		w.log.Infow("scheduler started", "net", name, "endpoints", len(nw.cfg.Endpoints))
	}

	w.cron = cron.New()
	if _, err := w.cron.AddFunc("@every 10s", w.pollDue); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@every 5m", w.evictSeen); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@every 1m", w.logHealth); err != nil {
		return err
	}
	w.cron.Start()

	if w.mb != nil {
		go w.forwardAlerts(w.Subscribe())
	}
	return nil
}

// Stop shuts down the pollers, the schedulers, the subscribers and closes the
// chain connections and the message broker.
func (w *Watcher) Stop() {
	if w.cron != nil {
		w.cron.Stop()
	}
	for _, nw := range w.nets {
		nw.sched.Stop()
	}

	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}

	w.closeChains()

	if w.mb != nil {
		if err := w.mb.Close(); err != nil {
			w.log.Warnw("error closing message broker", "err", err)
		}
	}
}

func (w *Watcher) closeChains() {
	for _, nw := range w.nets {
		nw.close()
	}
}

// Networks returns the names of the monitored networks.
func (w *Watcher) Networks() []string {
	names := make([]string, 0, len(w.nets))
	for name := range w.nets {
		names = append(names, name)
	}
	return names
}

// Health returns the endpoint health snapshot for one network.
func (w *Watcher) Health(net string) ([]endpoint.Health, error) {
	nw, ok := w.nets[net]
	if !ok {
		return nil, types.ErrUnknownChain
	}
	return nw.pool.HealthSnapshot(), nil
}

// Watch adds a wallet to the poll list. Watching the same wallet twice is a
// no-op.
func (w *Watcher) Watch(net, address string) error {
	if _, ok := w.nets[net]; !ok {
		return types.ErrUnknownChain
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wa := range w.wallets {
		if wa.Net == net && wa.Address == address {
			return nil
		}
	}
	w.wallets = append(w.wallets, &wallet{Net: net, Address: address})
	w.log.Infow("watching wallet", "net", net, "address", address)
	return nil
}

// Unwatch removes a wallet from the poll list.
func (w *Watcher) Unwatch(net, address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, wa := range w.wallets {
		if wa.Net == net && wa.Address == address {
			w.wallets = append(w.wallets[:i], w.wallets[i+1:]...)
			return nil
		}
	}
	return types.ErrNoTrx
}

// Watched returns the current poll list.
func (w *Watcher) Watched() []wallet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wallet, 0, len(w.wallets))
	for _, wa := range w.wallets {
		out = append(out, *wa)
	}
	return out
}

// AddEndpoint dials and registers a new endpoint on a running network.
func (w *Watcher) AddEndpoint(net, url string) error {
	nw, ok := w.nets[net]
	if !ok {
		return types.ErrUnknownChain
	}
	c, err := block.Dial(nw.cfg.Kind, url, nw.cfg.Secret, nw.cfg.StartBlock)
	if err != nil {
		return err
	}
	if err := nw.pool.Add(url); err != nil {
		c.Close()
		return err
	}
	w.mu.Lock()
	nw.chains[url] = c
	w.mu.Unlock()
	return nil
}

// RemoveEndpoint drops an endpoint from a running network.
func (w *Watcher) RemoveEndpoint(net, url string) error {
	nw, ok := w.nets[net]
	if !ok {
		return types.ErrUnknownChain
	}
	if err := nw.pool.Remove(url); err != nil {
		return err
	}
	w.mu.Lock()
	c := nw.chains[url]
	delete(nw.chains, url)
	w.mu.Unlock()
	if c != nil {
		c.Close()
	}
	return nil
}

// Balance fetches the wallet balance through the scheduler at high priority
// and waits for the result.
func (w *Watcher) Balance(ctx context.Context, net, address string) (*big.Int, error) {
	nw, ok := w.nets[net]
	if !ok {
		return nil, types.ErrUnknownChain
	}

	var bal *big.Int
	res := nw.sched.Queue(func(ctx context.Context, url string) error {
		c, err := nw.chain(url)
		if err != nil {
			return err
		}
		b, err := c.Balance(ctx, address)
		if err != nil {
			return err
		}
		bal = b
		return nil
	}, sched.High)

	select {
	case err := <-res:
		if err != nil {
			return nil, err
		}
		return bal, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers an in-process consumer of confirmed wallet activity.
// The returned channel is closed on Stop.
func (w *Watcher) Subscribe() <-chan types.Trans {
	ch := make(chan types.Trans, subBuffer)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// publish fans one confirmed transaction out to every subscriber. Slow
// subscribers are skipped, never waited on.
func (w *Watcher) publish(t types.Trans) {
	w.mu.Lock()
	subs := append([]chan types.Trans{}, w.subs...)
	w.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			w.log.Warnw("subscriber not draining, alert dropped", "signature", t.Signature)
		}
	}
}

// forwardAlerts pushes subscribed activity to the message broker.
func (w *Watcher) forwardAlerts(ch <-chan types.Trans) {
	for t := range ch {
		net, ok := w.walletNet(t)
		if !ok {
			continue // wallet unwatched since the fetch was queued
		}
		if err := w.mb.SendAlert(net, t); err != nil {
			w.log.Errorw("error sending alert", "net", net, "signature", t.Signature, "err", err)
		}
	}
}

// walletNet resolves which network a published transaction belongs to by the
// watched wallet it involves.
func (w *Watcher) walletNet(t types.Trans) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wa := range w.wallets {
		if wa.Address == t.From || wa.Address == t.To {
			return wa.Net, true
		}
	}
	return "", false
}

// logHealth periodically reports endpoint health per network.
func (w *Watcher) logHealth() {
	for name, nw := range w.nets {
		for _, h := range nw.pool.HealthSnapshot() {
			w.log.Infow("endpoint health",
				"net", name,
				"endpoint", h.URL,
				"active", h.Active,
				"score", h.Score,
				"circuit", h.Circuit.State.String(),
			)
		}
	}
}
