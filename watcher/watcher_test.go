package watcher

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/block"
	"github.com/tarancss/wam/lib/block/types"
	"github.com/tarancss/wam/lib/breaker"
	"github.com/tarancss/wam/lib/config"
	"github.com/tarancss/wam/lib/endpoint"
	"github.com/tarancss/wam/lib/ratelimit"
	"github.com/tarancss/wam/lib/sched"
)

// fakeChain is an in-memory chain client for driving the poller.
type fakeChain struct {
	mu       sync.Mutex
	sigCalls int
	refs     []types.TxRef
	trans    map[string]*types.Trans
	bal      *big.Int
}

func (f *fakeChain) Kind() string { return "fake" }
func (f *fakeChain) Close()       {}

func (f *fakeChain) Balance(ctx context.Context, address string) (*big.Int, error) {
	return f.bal, nil
}

func (f *fakeChain) Signatures(ctx context.Context, address string, limit int) ([]types.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigCalls++
	return f.refs, nil
}

func (f *fakeChain) Transaction(ctx context.Context, signature string) (*types.Trans, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trans[signature]; ok {
		return t, nil
	}
	return nil, types.ErrNoTrx
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigCalls
}

const stubURL = "https://stub"

func newTestWatcher(t *testing.T, fc *fakeChain) *Watcher {
	t.Helper()

	log := zap.NewNop().Sugar()
	tracker := endpoint.NewTracker(endpoint.TrackerConfig{})
	pool, err := endpoint.NewPool(endpoint.Config{
		Net:     "devnet",
		Breaker: breaker.Config{Threshold: 3, ResetInterval: time.Second},
	}, tracker, []string{stubURL}, log)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	bucket := ratelimit.New(ratelimit.Config{Capacity: 1000, Rate: 1000})
	s := sched.New(sched.Config{
		Net:           "devnet",
		Tick:          5 * time.Millisecond,
		BatchSize:     5,
		BatchInterval: time.Millisecond,
		OpTimeout:     time.Second,
		RetryDelay:    5 * time.Millisecond,
		MaxTries:      2,
	}, pool, bucket, log)
	s.Start()
	t.Cleanup(s.Stop)

	seen, err := lru.New[string, time.Time](128)
	if err != nil {
		t.Fatalf("lru.New: %v", err)
	}

	w := &Watcher{
		log: log,
		nets: map[string]*network{
			"devnet": {
				cfg:    config.NetworkConfig{Name: "devnet", Kind: "solana", Endpoints: []string{stubURL}},
				chains: map[string]block.Chain{stubURL: fc},
				pool:   pool,
				bucket: bucket,
				sched:  s,
			},
		},
		minCheck: 30 * time.Second,
		sigLimit: 20,
		ttl:      30 * time.Minute,
		seen:     seen,
		now:      time.Now,
	}
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMarkSeenDeduplicates(t *testing.T) {
	w := newTestWatcher(t, &fakeChain{})

	if !w.markSeen("devnet", "sig123") {
		t.Fatal("first sighting should report unseen")
	}
	if w.markSeen("devnet", "sig123") {
		t.Fatal("second sighting should report seen")
	}

	// expiry re-admits the signature
	w.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	if !w.markSeen("devnet", "sig123") {
		t.Fatal("expired entry should report unseen again")
	}
}

func TestMarkSeenConcurrentSingleWinner(t *testing.T) {
	w := newTestWatcher(t, &fakeChain{})

	// concurrent fetches can surface the same signature, e.g. a transfer
	// between two watched wallets polled in the same batch
	for i := 0; i < 200; i++ {
		sig := fmt.Sprintf("sig%d", i)
		start := make(chan struct{})
		var wg sync.WaitGroup
		var unseen int32
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if w.markSeen("devnet", sig) {
					atomic.AddInt32(&unseen, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if unseen != 1 {
			t.Fatalf("signature %s: %d callers saw it as unseen, one alert would duplicate", sig, unseen)
		}
	}
}

func TestPollAdmissionInterval(t *testing.T) {
	fc := &fakeChain{}
	w := newTestWatcher(t, fc)
	if err := w.Watch("devnet", "wallet1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	w.pollDue()
	waitFor(t, func() bool { return fc.calls() == 1 })

	// a second cycle inside the minimum interval does nothing
	w.pollDue()
	time.Sleep(50 * time.Millisecond)
	if got := fc.calls(); got != 1 {
		t.Fatalf("expected 1 signature fetch, got %d", got)
	}

	// once the interval elapses the wallet is due again
	w.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	w.pollDue()
	waitFor(t, func() bool { return fc.calls() == 2 })
}

func TestActivityAlertsAtMostOnce(t *testing.T) {
	fc := &fakeChain{
		refs: []types.TxRef{{Signature: "sig123", Slot: 205, BlockTime: 1700000200}},
		trans: map[string]*types.Trans{
			"sig123": {Signature: "sig123", From: "payer", To: "wallet1", Value: "20000", Status: types.TrxSuccess},
		},
	}
	w := newTestWatcher(t, fc)
	alerts := w.Subscribe()
	if err := w.Watch("devnet", "wallet1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	w.pollDue()

	select {
	case got := <-alerts:
		if got.Signature != "sig123" {
			t.Fatalf("unexpected alert %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert received")
	}

	// the same signature on a later cycle must not alert again
	w.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	w.pollDue()
	waitFor(t, func() bool { return fc.calls() == 2 })

	select {
	case got := <-alerts:
		t.Fatalf("duplicate alert %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPendingTransactionRetriesLater(t *testing.T) {
	fc := &fakeChain{
		refs: []types.TxRef{{Signature: "sig9"}},
		trans: map[string]*types.Trans{
			"sig9": {Signature: "sig9", Status: types.TrxPending},
		},
	}
	w := newTestWatcher(t, fc)
	alerts := w.Subscribe()
	if err := w.Watch("devnet", "wallet1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	w.pollDue()
	waitFor(t, func() bool { return fc.calls() == 1 })

	select {
	case got := <-alerts:
		t.Fatalf("pending transaction must not alert: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	// the dedup entry was released, so the confirmed detail alerts next cycle
	fc.mu.Lock()
	fc.trans["sig9"] = &types.Trans{Signature: "sig9", To: "wallet1", Status: types.TrxSuccess}
	fc.mu.Unlock()

	w.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	w.pollDue()

	select {
	case got := <-alerts:
		if got.Signature != "sig9" {
			t.Fatalf("unexpected alert %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmed transaction never alerted")
	}
}

func TestBalanceThroughScheduler(t *testing.T) {
	fc := &fakeChain{bal: big.NewInt(2500000)}
	w := newTestWatcher(t, fc)

	bal, err := w.Balance(context.Background(), "devnet", "wallet1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Int64() != 2500000 {
		t.Fatalf("balance: got %s", bal)
	}

	if _, err := w.Balance(context.Background(), "nonet", "wallet1"); err != types.ErrUnknownChain {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestWatchUnwatch(t *testing.T) {
	w := newTestWatcher(t, &fakeChain{})

	if err := w.Watch("devnet", "wallet1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Watch("devnet", "wallet1"); err != nil {
		t.Fatalf("duplicate Watch should be a no-op: %v", err)
	}
	if got := len(w.Watched()); got != 1 {
		t.Fatalf("expected 1 watched wallet, got %d", got)
	}
	if err := w.Watch("nonet", "wallet1"); err != types.ErrUnknownChain {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
	if err := w.Unwatch("devnet", "wallet1"); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if got := len(w.Watched()); got != 0 {
		t.Fatalf("expected empty watch list, got %d", got)
	}
}

func TestHandlers(t *testing.T) {
	w := newTestWatcher(t, &fakeChain{bal: big.NewInt(7)})

	// networks
	rec := httptest.NewRecorder()
	w.networksHandler(rec, httptest.NewRequest("GET", "/networks", nil))
	if rec.Code != 200 {
		t.Fatalf("networks status %d", rec.Code)
	}

	// watch requires ?net=
	rec = httptest.NewRecorder()
	req := mux.SetURLVars(httptest.NewRequest("PUT", "/watch/wallet1", nil), map[string]string{"address": "wallet1"})
	w.watchHandler(rec, req)
	if rec.Code != 400 {
		t.Fatalf("watch without net: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = mux.SetURLVars(httptest.NewRequest("PUT", "/watch/wallet1?net=devnet", nil), map[string]string{"address": "wallet1"})
	w.watchHandler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("watch: status %d", rec.Code)
	}
	if got := len(w.Watched()); got != 1 {
		t.Fatalf("expected 1 watched wallet, got %d", got)
	}

	// balance goes through the scheduler
	rec = httptest.NewRecorder()
	req = mux.SetURLVars(httptest.NewRequest("GET", "/address/wallet1?net=devnet", nil), map[string]string{"address": "wallet1"})
	w.addrBalHandler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("balance: status %d", rec.Code)
	}

	// health snapshot
	rec = httptest.NewRecorder()
	w.healthHandler(rec, httptest.NewRequest("GET", "/health?net=devnet", nil))
	if rec.Code != 200 {
		t.Fatalf("health: status %d", rec.Code)
	}
}
