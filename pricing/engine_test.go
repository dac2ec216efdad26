package pricing

import (
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// plainConfig returns a config with trust and cooldown disabled so tests can
// observe the progressive component in isolation.
func plainConfig() Config {
	cfg := DefaultConfig()
	cfg.TrustDiscount.Enabled = false
	cfg.Cooldown.Enabled = false
	return cfg
}

func intPtr(i int) *int {
	return &i
}

// TestBasePrice asserts the first action in a fresh context costs the base
// price with zero prior actions.
func TestBasePrice(t *testing.T) {
	t.Parallel()

	engine := NewEngine(plainConfig())

	quote := engine.Quote("a", "t", nil)
	require.EqualValues(t, 1, quote.Sats)
	require.Equal(t, 0, quote.Breakdown.PriorActions)
	require.EqualValues(t, 1, quote.Breakdown.FinalSats)
}

// TestProgression walks the geometric schedule for repeated commits in the
// same context and asserts saturation at the cap.
func TestProgression(t *testing.T) {
	t.Parallel()

	engine := NewEngine(plainConfig())

	// ceil(1.5^k) for k = 0..9.
	expected := []int64{1, 2, 3, 4, 6, 8, 12, 18, 26, 39}
	for k, want := range expected {
		quote := engine.Commit("a", "t", nil)
		require.EqualValues(t, want, quote.Sats, "action %d", k)
		require.Equal(t, k, quote.Breakdown.PriorActions)
	}

	// The 11th quote hits the progressive cap, 1.5^10 ~ 57.7 clamped.
	quote := engine.Quote("a", "t", nil)
	require.EqualValues(t, 50, quote.Sats)

	// A huge number of prior actions saturates instead of overflowing.
	require.EqualValues(t, 50, engine.progressivePrice(100000))
}

// TestCrossContextIndependence asserts distinct contexts have independent
// progressive sequences for the same agent.
func TestCrossContextIndependence(t *testing.T) {
	t.Parallel()

	engine := NewEngine(plainConfig())

	for i := 0; i < 3; i++ {
		engine.Commit("a", "t1", nil)
	}
	require.EqualValues(t, 4, engine.Quote("a", "t1", nil).Sats)
	require.EqualValues(t, 1, engine.Quote("a", "t2", nil).Sats)
}

// TestTrustFreePass asserts a score at or above the free threshold zeroes
// the price and records the full discount.
func TestTrustFreePass(t *testing.T) {
	t.Parallel()

	cfg := plainConfig()
	cfg.BaseSats = 10
	cfg.TrustDiscount = TrustDiscountConfig{
		Enabled:         true,
		FreeAbove:       80,
		DiscountAbove:   30,
		DiscountPercent: 50,
	}
	engine := NewEngine(cfg)

	quote := engine.Quote("a", "t", intPtr(85))
	require.EqualValues(t, 0, quote.Sats)
	require.EqualValues(t, 10, quote.Breakdown.TrustDiscountSats)
}

// TestTrustPartialDiscount asserts the mid-tier discount and the one sat
// floor.
func TestTrustPartialDiscount(t *testing.T) {
	t.Parallel()

	cfg := plainConfig()
	cfg.BaseSats = 10
	cfg.TrustDiscount = TrustDiscountConfig{
		Enabled:         true,
		FreeAbove:       80,
		DiscountAbove:   30,
		DiscountPercent: 50,
	}
	engine := NewEngine(cfg)

	quote := engine.Quote("a", "t", intPtr(50))
	require.EqualValues(t, 5, quote.Sats)
	require.EqualValues(t, 5, quote.Breakdown.TrustDiscountSats)

	// A low score falls through with no discount at all.
	quote = engine.Quote("a", "t", intPtr(10))
	require.EqualValues(t, 10, quote.Sats)
	require.EqualValues(t, 0, quote.Breakdown.TrustDiscountSats)

	// A base price of one can never be discounted to zero.
	cfg.BaseSats = 1
	engine = NewEngine(cfg)
	quote = engine.Quote("a", "t", intPtr(50))
	require.EqualValues(t, 1, quote.Sats)
}

// TestUnknownScoreSkipsTrust asserts a nil score skips the trust branch
// entirely, unlike a score of zero which takes it and falls through.
func TestUnknownScoreSkipsTrust(t *testing.T) {
	t.Parallel()

	cfg := plainConfig()
	cfg.BaseSats = 10
	cfg.TrustDiscount = TrustDiscountConfig{
		Enabled:         true,
		FreeAbove:       80,
		DiscountAbove:   30,
		DiscountPercent: 50,
	}
	engine := NewEngine(cfg)

	unknown := engine.Quote("a", "t", nil)
	require.EqualValues(t, 10, unknown.Sats)
	require.Nil(t, unknown.Breakdown.TrustScore)

	zero := engine.Quote("a", "t", intPtr(0))
	require.EqualValues(t, 10, zero.Sats)
	require.NotNil(t, zero.Breakdown.TrustScore)
}

// TestCooldownBonus asserts the first-ever action and a sufficiently spaced
// action earn the bonus while a rapid follow-up does not.
func TestCooldownBonus(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(10000, 0))
	cfg := plainConfig()
	cfg.BaseSats = 10
	cfg.Cooldown = CooldownConfig{
		Enabled:      true,
		Window:       0,
		BonusPercent: 25,
	}
	cfg.Clock = testClock
	engine := NewEngine(cfg)

	// First ever action, no last-action timestamp exists yet.
	quote := engine.Commit("a", "t", nil)
	require.EqualValues(t, 8, quote.Sats)
	require.EqualValues(t, 2, quote.Breakdown.CooldownBonusSats)

	// With a one minute window and no elapsed time, no bonus applies.
	cfg.Cooldown.Window = time.Minute
	engine = NewEngine(cfg)
	engine.Commit("a", "t", nil)

	quote = engine.Quote("a", "t", nil)
	require.EqualValues(t, 0, quote.Breakdown.CooldownBonusSats)

	// Once the window elapsed the bonus comes back.
	testClock.SetTime(time.Unix(10000+61, 0))
	quote = engine.Quote("a", "t", nil)
	require.Greater(t, quote.Breakdown.CooldownBonusSats, int64(0))
}

// TestFreePassSkipsCooldown asserts the free threshold short-circuits the
// cooldown branch.
func TestFreePassSkipsCooldown(t *testing.T) {
	t.Parallel()

	cfg := plainConfig()
	cfg.BaseSats = 10
	cfg.TrustDiscount = TrustDiscountConfig{
		Enabled:         true,
		FreeAbove:       80,
		DiscountAbove:   30,
		DiscountPercent: 50,
	}
	cfg.Cooldown = CooldownConfig{
		Enabled:      true,
		Window:       0,
		BonusPercent: 25,
	}
	engine := NewEngine(cfg)

	quote := engine.Quote("a", "t", intPtr(90))
	require.EqualValues(t, 0, quote.Sats)
	require.EqualValues(t, 0, quote.Breakdown.CooldownBonusSats)
}

// TestDryRunDoesNotCommit asserts quotes leave stats and activity counts
// untouched.
func TestDryRunDoesNotCommit(t *testing.T) {
	t.Parallel()

	engine := NewEngine(plainConfig())

	for i := 0; i < 5; i++ {
		engine.Quote("a", "t", nil)
	}
	require.Equal(t, Stats{}, engine.Stats())
	require.Equal(t, 0, engine.ActivityCount("a", "t"))

	engine.Commit("a", "t", nil)
	require.Equal(t, Stats{Contexts: 1, Agents: 1, TotalActions: 1},
		engine.Stats())
	require.Equal(t, 1, engine.ActivityCount("a", "t"))
}

// TestCleanup asserts records beyond the horizon are swept and empty buckets
// removed.
func TestCleanup(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(10000, 0))
	cfg := plainConfig()
	cfg.Clock = testClock
	engine := NewEngine(cfg)

	engine.Commit("old", "stale", nil)

	testClock.SetTime(time.Unix(10000, 0).Add(25 * time.Hour))
	engine.Commit("new", "fresh", nil)

	dropped := engine.Cleanup(24 * time.Hour)
	require.Equal(t, 1, dropped)
	require.Equal(t, Stats{Contexts: 1, Agents: 1, TotalActions: 1},
		engine.Stats())

	engine.Reset()
	require.Equal(t, Stats{}, engine.Stats())
}

// TestConcurrentCommits asserts simultaneous commits for the same pair all
// observe each other's increments.
func TestConcurrentCommits(t *testing.T) {
	t.Parallel()

	engine := NewEngine(plainConfig())

	const commits = 64
	var wg sync.WaitGroup
	for i := 0; i < commits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Commit("a", "t", nil)
		}()
	}
	wg.Wait()

	require.Equal(t, commits, engine.ActivityCount("a", "t"))
	quote := engine.Quote("a", "t", nil)
	require.Equal(t, commits, quote.Breakdown.PriorActions)
	require.EqualValues(t, 50, quote.Sats)
}
