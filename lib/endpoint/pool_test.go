package endpoint

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/wam/lib/breaker"
)

func testPool(t *testing.T, urls ...string) *Pool {
	t.Helper()

	tr := NewTracker(TrackerConfig{Alpha: 1})
	p, err := NewPool(Config{Net: "testnet"}, tr, urls, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.sleep = func(context.Context, time.Duration) error { return nil }

	return p
}

func TestNewPoolRequiresEndpoints(t *testing.T) {
	t.Parallel()

	tr := NewTracker(TrackerConfig{})
	if _, err := NewPool(Config{}, tr, nil, zap.NewNop().Sugar()); err != ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestSelectPicksHighestScore(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a", "https://b")

	// degrade A, leave B pristine
	p.MarkFailure("https://a")
	p.MarkFailure("https://a")

	url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if url != "https://b" {
		t.Fatalf("expected https://b, got %s", url)
	}
	if p.Active() != "https://b" {
		t.Fatalf("active endpoint not updated")
	}
}

func TestSelectTieBreaksOnFailureStreak(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a", "https://b")

	// identical histories except A carries a live failure streak
	p.tracker.RecordSuccess("https://a", 100*time.Millisecond)
	p.tracker.RecordSuccess("https://b", 100*time.Millisecond)
	p.tracker.RecordFailure("https://a")
	p.tracker.RecordFailure("https://b")
	p.tracker.RecordSuccess("https://b", 100*time.Millisecond)
	p.tracker.RecordSuccess("https://a", 100*time.Millisecond)

	if sa, sb := p.tracker.Score("https://a"), p.tracker.Score("https://b"); sa != sb {
		t.Fatalf("test premise broken, scores differ: %v vs %v", sa, sb)
	}

	// push streaks apart without touching counts
	p.tracker.m["https://a"].consecutiveFailures = 2
	p.tracker.m["https://b"].consecutiveFailures = 1

	url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if url != "https://b" {
		t.Fatalf("expected tie-break to https://b, got %s", url)
	}
}

func TestSelectSkipsCoolingEndpoint(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a", "https://b")

	// B has a much better score but sits in cooldown
	p.MarkFailure("https://a")
	p.MarkRateLimited("https://b")

	if !p.Cooling("https://b") {
		t.Fatal("expected B to be cooling")
	}

	url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if url != "https://a" {
		t.Fatalf("cooling endpoint must never be selected, got %s", url)
	}

	// cooldown entries expire naturally when checked
	p.now = func() time.Time { return time.Now().Add(2 * CooldownDefault) }
	if p.Cooling("https://b") {
		t.Fatal("cooldown should have expired")
	}
}

func TestSelectSkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a", "https://b")

	for i := 0; i < breaker.ThresholdDefault; i++ {
		p.MarkFailure("https://a")
	}

	for i := 0; i < 5; i++ {
		url, err := p.Select(context.Background())
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if url != "https://b" {
			t.Fatalf("open-circuit endpoint selected: %s", url)
		}
	}
}

func TestSelectSettlesThenFails(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a")

	var slept int
	p.sleep = func(context.Context, time.Duration) error {
		slept++

		return nil
	}

	p.MarkRateLimited("https://a")

	if _, err := p.Select(context.Background()); err != ErrNoneEligible {
		t.Fatalf("expected ErrNoneEligible, got %v", err)
	}
	if slept != 1 {
		t.Fatalf("expected exactly one settle sleep, got %d", slept)
	}
}

func TestRateLimitScenarioRoutesToHealthyPeer(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a", "https://b")

	// three consecutive rate limits trip A's circuit and start a cooldown
	for i := 0; i < 3; i++ {
		p.MarkRateLimited("https://a")
	}

	snap := p.HealthSnapshot()
	for _, h := range snap {
		if h.URL == "https://a" {
			if h.Circuit.State != breaker.Open {
				t.Fatalf("expected A's circuit open, got %+v", h.Circuit)
			}
			if h.CooldownUntil.IsZero() {
				t.Fatal("expected A to be cooling")
			}
		}
	}

	for i := 0; i < 10; i++ {
		url, err := p.Select(context.Background())
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if url != "https://b" {
			t.Fatalf("dispatch %d routed to %s, want https://b", i, url)
		}
	}
}

func TestAddRemove(t *testing.T) {
	t.Parallel()

	p := testPool(t, "https://a")

	if err := p.Add("https://a"); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := p.Add("https://b"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := p.Remove("https://a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.Remove("https://a"); err != ErrUnknown {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}

	url, err := p.Select(context.Background())
	if err != nil || url != "https://b" {
		t.Fatalf("expected https://b, got %s err %v", url, err)
	}
}
