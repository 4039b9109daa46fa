package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreWithClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newTestGovernor(t *testing.T, store Store, clock *fakeClock, opts ...Option) *Governor {
	t.Helper()
	return newConfiguredGovernor(t, store, DefaultConfig(), clock, opts...)
}

func newConfiguredGovernor(t *testing.T, store Store, cfg Config, clock *fakeClock, opts ...Option) *Governor {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLogger(zap.NewNop().Sugar())}, opts...)
	g, err := New(store, cfg, opts...)
	require.NoError(t, err)
	return g
}

// eachStore runs fn once per Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, g *Governor, clock *fakeClock)) {
	eachStoreWith(t, DefaultConfig(), fn)
}

func eachStoreWith(t *testing.T, cfg Config, fn func(t *testing.T, g *Governor, clock *fakeClock)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, newConfiguredGovernor(t, factory(t), cfg, clock), clock)
		})
	}
}

// recordEvents subscribes to g and returns a snapshot func of the kinds seen.
func recordEvents(g *Governor) func() []EventKind {
	var mu sync.Mutex
	var kinds []EventKind
	g.Subscribe(ObserverFunc(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))
	return func() []EventKind {
		mu.Lock()
		defer mu.Unlock()
		return append([]EventKind(nil), kinds...)
	}
}

func TestAdmitAllowsUpToMaxClicksThenEscalates(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 1; i <= 15; i++ {
			d := g.Admit(ctx, "1.2.3.4")
			require.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, i, d.Count)
			clock.Advance(time.Second)
		}

		d := g.Admit(ctx, "1.2.3.4")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonRateExceeded, d.Reason)
		assert.Equal(t, 16, d.Count)
		assert.Equal(t, 60, d.RemainingMinutes)
		assert.Equal(t, time.Hour, d.RetryAfter)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions, "escalation must remove the window")

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		assert.Equal(t, "1.2.3.4", blocked[0].Key)

		d = g.Admit(ctx, "1.2.3.4")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonBlocked, d.Reason)
	})
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		require.True(t, g.Admit(ctx, "k").Allowed)
		clock.Advance(time.Minute)
		d := g.Admit(ctx, "k")
		require.True(t, d.Allowed)
		assert.Equal(t, 2, d.Count, "now-start == window stays in the same window")
	})
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 15; i++ {
			require.True(t, g.Admit(ctx, "k").Allowed)
		}
		clock.Advance(time.Minute + time.Millisecond)
		d := g.Admit(ctx, "k")
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Count)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, clock.Now().UnixMilli(), sessions[0].WindowStart.UnixMilli())
	})
}

func TestBlockExpiresLazily(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 16; i++ {
			g.Admit(ctx, "k")
		}
		clock.Advance(59*time.Minute + 30*time.Second)
		d := g.Admit(ctx, "k")
		assert.False(t, d.Allowed)
		assert.Equal(t, 1, d.RemainingMinutes, "30s left rounds up to one minute")

		clock.Advance(30 * time.Second)
		d = g.Admit(ctx, "k")
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Count)

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocked)
	})
}

func TestRemainingMinutesRoundsUp(t *testing.T) {
	assert.Equal(t, 0, ceilMinutes(0))
	assert.Equal(t, 0, ceilMinutes(-time.Second))
	assert.Equal(t, 1, ceilMinutes(time.Millisecond))
	assert.Equal(t, 1, ceilMinutes(time.Minute))
	assert.Equal(t, 2, ceilMinutes(time.Minute+time.Second))
	assert.Equal(t, 60, ceilMinutes(59*time.Minute+30*time.Second))
}

func TestKeysAreIndependent(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 16; i++ {
			g.Admit(ctx, "attacker")
		}
		d := g.Admit(ctx, "bystander")
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.Count)
	})
}

func TestEmptyKeyUsesUnknownBucket(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		g.Admit(ctx, "")
		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, UnknownKey, sessions[0].Key)
	})
}

func TestBlockIPBypassesTrackerAndDropsWindow(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		g.Admit(ctx, "k")

		info, err := g.BlockIP(ctx, "k", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 10, info.RemainingMinutes)
		assert.Equal(t, 600, info.RemainingSeconds)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions)

		d := g.Admit(ctx, "k")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonBlocked, d.Reason)
		assert.Equal(t, 10, d.RemainingMinutes)

		// Overwrite with a shorter block.
		_, err = g.BlockIP(ctx, "k", time.Minute)
		require.NoError(t, err)
		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		assert.Equal(t, time.Minute, blocked[0].Remaining)
	})
}

func TestBlockIPRejectsNonPositiveDuration(t *testing.T) {
	g := newTestGovernor(t, NewMemoryStore(), newFakeClock())
	_, err := g.BlockIP(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = g.BlockIP(context.Background(), "k", -time.Minute)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestUnblockIP(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		assert.ErrorIs(t, g.UnblockIP(ctx, "nobody"), ErrNotFound)

		_, err := g.BlockIP(ctx, "k", time.Hour)
		require.NoError(t, err)
		require.NoError(t, g.UnblockIP(ctx, "k"))
		assert.True(t, g.Admit(ctx, "k").Allowed)
		assert.ErrorIs(t, g.UnblockIP(ctx, "k"), ErrNotFound)
	})
}

func TestUnblockIPAfterExpiryIsNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		events := recordEvents(g)
		_, err := g.BlockIP(ctx, "k", time.Minute)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocked)
		assert.ErrorIs(t, g.UnblockIP(ctx, "k"), ErrNotFound)

		// The stale entry is still there for the sweep to report.
		res, err := g.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, res.ExpiredBlocks)
		assert.Equal(t, []EventKind{EventBlocked, EventExpired}, events())
	})
}

func TestAdmitReportsLazilyExpiredBlock(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		events := recordEvents(g)
		_, err := g.BlockIP(ctx, "k", time.Minute)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		d := g.Admit(ctx, "k")
		require.True(t, d.Allowed)
		assert.Equal(t, 1, d.Count)

		res, err := g.Sweep(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.ExpiredBlocks)
		assert.Equal(t, []EventKind{EventBlocked, EventExpired}, events())

		// Only one expiry per block.
		g.Admit(ctx, "k")
		assert.Equal(t, []EventKind{EventBlocked, EventExpired}, events())
	})
}

func TestClearAllBlocks(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		n, err := g.ClearAllBlocks(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, k := range []string{"a", "b", "c"} {
			_, err := g.BlockIP(ctx, k, time.Hour)
			require.NoError(t, err)
		}
		n, err = g.ClearAllBlocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocked)
	})
}

func TestListBlockedSortsByRemaining(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		_, _ = g.BlockIP(ctx, "long", 3*time.Hour)
		_, _ = g.BlockIP(ctx, "short", time.Minute)
		_, _ = g.BlockIP(ctx, "mid", time.Hour)
		_, _ = g.BlockIP(ctx, "gone", time.Second)
		clock.Advance(2 * time.Second)

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		keys := make([]string, 0, len(blocked))
		for _, b := range blocked {
			keys = append(keys, b.Key)
		}
		assert.Equal(t, []string{"short", "mid", "long"}, keys)
	})
}

func TestListSessionsReportsElapsed(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		g.Admit(ctx, "b")
		clock.Advance(10 * time.Second)
		g.Admit(ctx, "a")
		g.Admit(ctx, "a")
		clock.Advance(5 * time.Second)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "a", sessions[0].Key)
		assert.Equal(t, 2, sessions[0].Count)
		assert.Equal(t, 5, sessions[0].ElapsedSeconds)
		assert.Equal(t, "b", sessions[1].Key)
		assert.Equal(t, 15, sessions[1].ElapsedSeconds)
	})
}

func TestStats(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 17; i++ {
			g.Admit(ctx, "noisy")
		}
		g.Admit(ctx, "quiet")
		_, err := g.BlockIP(ctx, "manual", time.Minute)
		require.NoError(t, err)

		st, err := g.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(18), st.TotalRequests)
		assert.Equal(t, int64(1), st.TotalEscalations)
		assert.Equal(t, int64(2), st.TotalRejections)
		assert.Equal(t, int64(1), st.ManualBlocks)
		assert.Equal(t, 1, st.ActiveWindows)
		assert.Equal(t, 2, st.ActiveBlocks)
		assert.Equal(t, 15, st.MaxClicks)
		assert.Equal(t, 60, st.WindowSeconds)
		assert.Equal(t, 60, st.BlockMinutes)
	})
}

func TestObserversReceiveEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := ContextWithActor(context.Background(), "tester")
		var mu sync.Mutex
		var kinds []EventKind
		var actors []string
		g.Subscribe(ObserverFunc(func(ev Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			actors = append(actors, ev.Actor)
			mu.Unlock()
		}))

		for i := 0; i < 16; i++ {
			g.Admit(ctx, "a")
		}
		_, _ = g.BlockIP(ctx, "b", time.Minute)
		_ = g.UnblockIP(ctx, "b")
		_, _ = g.BlockIP(ctx, "c", time.Minute)
		clock.Advance(2 * time.Minute)
		_, err := g.Sweep(ctx)
		require.NoError(t, err)
		_, _ = g.ClearAllBlocks(ctx)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []EventKind{
			EventEscalated, EventBlocked, EventUnblocked, EventBlocked, EventExpired, EventCleared,
		}, kinds)
		assert.Equal(t, ActorSystem, actors[0])
		assert.Equal(t, "tester", actors[1])
	})
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		g.Admit(ctx, "old")
		_, _ = g.BlockIP(ctx, "expiring", 30*time.Second)
		_, _ = g.BlockIP(ctx, "lasting", time.Hour)
		clock.Advance(50 * time.Second)
		g.Admit(ctx, "fresh")
		clock.Advance(11 * time.Second)

		res, err := g.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Windows)
		assert.Equal(t, 1, res.Blocks)
		assert.Equal(t, []string{"expiring"}, res.ExpiredBlocks)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "fresh", sessions[0].Key)

		blocked, err := g.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		assert.Equal(t, "lasting", blocked[0].Key)
	})
}

func TestSweepKeepsWindowAtExactBoundary(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		g.Admit(ctx, "k")
		clock.Advance(time.Minute)
		res, err := g.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Windows)
	})
}

func TestConcurrentAdmissionEscalatesExactlyOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		const workers = 64
		results := make(chan Decision, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- g.Admit(ctx, "shared")
			}()
		}
		wg.Wait()
		close(results)

		var allowed, exceeded, blocked int
		for d := range results {
			switch {
			case d.Allowed:
				allowed++
			case d.Reason == ReasonRateExceeded:
				exceeded++
			case d.Reason == ReasonBlocked:
				blocked++
			}
		}
		assert.Equal(t, 15, allowed)
		assert.Equal(t, 1, exceeded)
		assert.Equal(t, workers-16, blocked)

		sessions, err := g.ListSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) Admit(context.Context, string, time.Time, Rule) (Outcome, error) {
	return Outcome{}, f.err
}

func (f failingStore) Sweep(context.Context, time.Time, time.Duration) (SweepResult, error) {
	return SweepResult{}, f.err
}

func TestAdmitFailsOpenOnStoreError(t *testing.T) {
	g := newTestGovernor(t, failingStore{NewMemoryStore(), errors.New("down")}, newFakeClock())
	d := g.Admit(context.Background(), "k")
	assert.True(t, d.Allowed)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClicks = 0
	_, err := New(NewMemoryStore(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(nil, DefaultConfig())
	assert.Error(t, err)
}

// Sixteen clicks inside a minute block the client for an hour; after the
// hour it starts over with a fresh window.
func TestScenarioBurstThenRecovery(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	g := newTestGovernor(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		g.Admit(ctx, "203.0.113.9")
		clock.Advance(3 * time.Second)
	}
	blocked, remaining := store.IsBlocked("203.0.113.9", clock.Now())
	require.True(t, blocked)
	assert.Equal(t, time.Hour-3*time.Second, remaining)

	clock.Advance(time.Hour)
	d := g.Admit(ctx, "203.0.113.9")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
	windows, blocks := store.Len()
	assert.Equal(t, 1, windows)
	assert.Zero(t, blocks)
}

// A steady client at one click every five seconds never trips the limit.
func TestScenarioSteadyClientNeverBlocked(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(t, NewMemoryStore(), clock)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d := g.Admit(ctx, "198.51.100.7")
		require.True(t, d.Allowed, "click %d", i)
		clock.Advance(5 * time.Second)
	}
}

// Three clicks per minute: the fourth click at t=30s is escalated to a
// sixty-minute block, and the remaining time only goes down from there.
func TestScenarioFourthClickBlocked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClicks = 3
	cfg.Window = 60 * time.Second
	eachStoreWith(t, cfg, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			d := g.Admit(ctx, "A")
			require.True(t, d.Allowed, "click at t=%ds", i*10)
			clock.Advance(10 * time.Second)
		}

		d := g.Admit(ctx, "A")
		require.False(t, d.Allowed)
		assert.Equal(t, ReasonRateExceeded, d.Reason)
		assert.Equal(t, 60, d.RemainingMinutes)

		prev := d.RetryAfter
		for i := 0; i < 5; i++ {
			clock.Advance(7 * time.Minute)
			d = g.Admit(ctx, "A")
			require.False(t, d.Allowed)
			assert.Equal(t, ReasonBlocked, d.Reason)
			assert.Less(t, d.RetryAfter, prev)
			prev = d.RetryAfter
		}
	})
}

// Two clicks at t=0 and t=5s, then one at t=70s after the window has run
// out: all allowed and no window ever counts more than two.
func TestScenarioWindowResetsBetweenBursts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClicks = 3
	cfg.Window = 60 * time.Second
	eachStoreWith(t, cfg, func(t *testing.T, g *Governor, clock *fakeClock) {
		ctx := context.Background()
		start := clock.Now()
		var counts []int
		for _, at := range []time.Duration{0, 5 * time.Second, 70 * time.Second} {
			clock.Advance(start.Add(at).Sub(clock.Now()))
			d := g.Admit(ctx, "B")
			require.True(t, d.Allowed, "click at %s", at)
			counts = append(counts, d.Count)
		}
		assert.Equal(t, []int{1, 2, 1}, counts)
	})
}

func TestMemoryRecordAndCheck(t *testing.T) {
	s := NewMemoryStore()
	now := newFakeClock().Now()
	rule := Rule{MaxClicks: 2, Window: time.Minute, BlockDuration: time.Hour}

	n, ok := s.RecordAndCheck("k", now, rule)
	assert.Equal(t, 1, n)
	assert.True(t, ok)
	n, ok = s.RecordAndCheck("k", now, rule)
	assert.Equal(t, 2, n)
	assert.True(t, ok)
	n, ok = s.RecordAndCheck("k", now, rule)
	assert.Equal(t, 3, n)
	assert.False(t, ok)

	// RecordAndCheck alone never escalates.
	blocked, _ := s.IsBlocked("k", now)
	assert.False(t, blocked)
}
