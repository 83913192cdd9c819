package watcher

import (
	"context"

	"github.com/tarancss/wam/lib/block/types"
	"github.com/tarancss/wam/lib/metrics"
	"github.com/tarancss/wam/lib/sched"
)

// pollDue runs one poll cycle: every watched wallet whose last check is older
// than the minimum interval gets a signature fetch queued at normal priority.
// Admission is stamped at queue time, so a wallet is never queued twice while
// a previous check is still in flight.
func (w *Watcher) pollDue() {
	now := w.now()

	w.mu.Lock()
	var due []*wallet
	for _, wa := range w.wallets {
		if now.Sub(wa.LastChecked) >= w.minCheck {
			wa.LastChecked = now
			due = append(due, wa)
		}
	}
	w.mu.Unlock()

	for _, wa := range due {
		w.checkWallet(wa.Net, wa.Address)
	}
}

// checkWallet queues the recent-activity fetch for one wallet. Every unseen
// signature triggers a high priority detail fetch whose confirmed result is
// published.
func (w *Watcher) checkWallet(net, address string) {
	nw, ok := w.nets[net]
	if !ok {
		return
	}

	res := nw.sched.Queue(func(ctx context.Context, url string) error {
		c, err := nw.chain(url)
		if err != nil {
			return err
		}
		refs, err := c.Signatures(ctx, address, w.sigLimit)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if w.markSeen(net, ref.Signature) {
				w.fetchDetail(nw, net, ref.Signature)
			}
		}
		return nil
	}, sched.Normal)

	go func() {
		if err := <-res; err != nil {
			w.log.Warnw("wallet check failed", "net", net, "address", address, "err", err)
		}
	}()
}

// fetchDetail queues the transaction detail fetch at high priority and fans
// the confirmed result out to subscribers.
func (w *Watcher) fetchDetail(nw *network, net, signature string) {
	res := nw.sched.Queue(func(ctx context.Context, url string) error {
		c, err := nw.chain(url)
		if err != nil {
			return err
		}
		t, err := c.Transaction(ctx, signature)
		if err != nil {
			return err
		}
		if t.Status == types.TrxPending {
			// not confirmed yet, allow a later poll to pick it up again
			w.unmarkSeen(net, signature)
			return nil
		}
		metrics.Alerts.WithLabelValues(net).Inc()
		w.publish(*t)
		return nil
	}, sched.High)

	go func() {
		if err := <-res; err != nil {
			// let the next poll retry the signature
			w.unmarkSeen(net, signature)
			w.log.Warnw("detail fetch failed", "net", net, "signature", signature, "err", err)
		}
	}()
}

// markSeen records a signature in the dedup cache. It reports true the first
// time a live signature is seen, so each transaction alerts at most once
// within the cache TTL. The check-and-set holds seenMu because detail fetches
// of one batch run concurrently and may surface the same signature.
func (w *Watcher) markSeen(net, signature string) bool {
	key := net + "." + signature

	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if exp, ok := w.seen.Get(key); ok && w.now().Before(exp) {
		return false
	}
	w.seen.Add(key, w.now().Add(w.ttl))
	return true
}

func (w *Watcher) unmarkSeen(net, signature string) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	w.seen.Remove(net + "." + signature)
}

// evictSeen drops expired dedup entries so the cache does not pin stale
// signatures until LRU pressure evicts them.
func (w *Watcher) evictSeen() {
	now := w.now()

	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	for _, key := range w.seen.Keys() {
		if exp, ok := w.seen.Peek(key); ok && now.After(exp) {
			w.seen.Remove(key)
		}
	}
}
