// Package governor throttles clients by key. Each key gets a fixed counting
// window; a key that exceeds MaxClicks inside one window is escalated to a
// timed block. It is a soft deterrent: a client that rotates addresses gets a
// fresh window each time.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvcoi/ytgate/internal/metrics"
)

// UnknownKey is the bucket used when no client key could be derived.
const UnknownKey = "unknown"

var (
	ErrNotFound        = errors.New("no block for key")
	ErrInvalidDuration = errors.New("block duration must be positive")
	ErrInvalidConfig   = errors.New("invalid governor config")
)

type Reason string

const (
	ReasonBlocked      Reason = "blocked"
	ReasonRateExceeded Reason = "rate-exceeded"
)

type Config struct {
	MaxClicks       int
	Window          time.Duration
	BlockDuration   time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxClicks:       15,
		Window:          time.Minute,
		BlockDuration:   time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxClicks <= 0:
		return fmt.Errorf("%w: max clicks %d", ErrInvalidConfig, c.MaxClicks)
	case c.Window <= 0:
		return fmt.Errorf("%w: window %s", ErrInvalidConfig, c.Window)
	case c.BlockDuration <= 0:
		return fmt.Errorf("%w: block duration %s", ErrInvalidConfig, c.BlockDuration)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup interval %s", ErrInvalidConfig, c.CleanupInterval)
	}
	return nil
}

func (c Config) rule() Rule {
	return Rule{MaxClicks: c.MaxClicks, Window: c.Window, BlockDuration: c.BlockDuration}
}

// Decision is the result of Admit.
type Decision struct {
	Allowed          bool          `json:"allowed"`
	Reason           Reason        `json:"reason,omitempty"`
	RemainingMinutes int           `json:"remainingMinutes,omitempty"`
	RetryAfter       time.Duration `json:"-"`
	Count            int           `json:"count,omitempty"`
}

// BlockInfo is one row of ListBlocked.
type BlockInfo struct {
	Key              string        `json:"ip"`
	UnblockAt        time.Time     `json:"unblockAt"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds int           `json:"remainingSeconds"`
	RemainingMinutes int           `json:"remainingMinutes"`
}

// SessionInfo is one row of ListSessions.
type SessionInfo struct {
	Key            string        `json:"ip"`
	Count          int           `json:"count"`
	WindowStart    time.Time     `json:"windowStart"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds int           `json:"elapsedSeconds"`
}

type Stats struct {
	TotalRequests    int64 `json:"totalRequests"`
	TotalEscalations int64 `json:"totalEscalations"`
	TotalRejections  int64 `json:"totalRejections"`
	ManualBlocks     int64 `json:"manualBlocks"`
	ActiveWindows    int   `json:"activeWindows"`
	ActiveBlocks     int   `json:"activeBlocks"`
	MaxClicks        int   `json:"maxClicks"`
	WindowSeconds    int   `json:"windowSeconds"`
	BlockMinutes     int   `json:"blockMinutes"`
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type Governor struct {
	store Store
	cfg   Config
	now   Clock
	log   *zap.SugaredLogger

	obsMu     sync.RWMutex
	observers []Observer

	requests     atomic.Int64
	escalations  atomic.Int64
	rejections   atomic.Int64
	manualBlocks atomic.Int64
}

type Option func(*Governor)

func WithClock(c Clock) Option {
	return func(g *Governor) {
		if c != nil {
			g.now = c
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Governor) {
		if l != nil {
			g.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(g *Governor) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

func New(store Store, cfg Config, opts ...Option) (*Governor, error) {
	if store == nil {
		return nil, errors.New("governor: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Governor{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Subscribe attaches an observer after construction.
func (g *Governor) Subscribe(o Observer) {
	if o == nil {
		return
	}
	g.obsMu.Lock()
	g.observers = append(g.observers, o)
	g.obsMu.Unlock()
}

func (g *Governor) Config() Config { return g.cfg }

// Admit records one request for key and decides whether it may proceed.
// Store failures are logged and the request is let through.
func (g *Governor) Admit(ctx context.Context, key string) Decision {
	key = normalizeKey(key)
	now := g.now()
	g.requests.Add(1)

	out, err := g.store.Admit(ctx, key, now, g.cfg.rule())
	if err != nil {
		g.log.Warnw("Governor store failed; allowing request", "key", key, "error", err)
		metrics.Admissions.WithLabelValues("error").Inc()
		return Decision{Allowed: true}
	}
	if out.ExpiredBlock {
		g.log.Debugw("Block lifted on return", "key", key)
		g.emit(Event{Kind: EventExpired, Key: key, At: now, Actor: ActorSystem})
	}
	if out.Allowed {
		metrics.Admissions.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Count: out.Count}
	}

	g.rejections.Add(1)
	metrics.Admissions.WithLabelValues(string(out.Reason)).Inc()
	if out.Escalated {
		g.escalations.Add(1)
		metrics.Escalations.Inc()
		g.log.Infow("Client escalated to block", "key", key, "count", out.Count, "unblockAt", out.UnblockAt)
		g.emit(Event{Kind: EventEscalated, Key: key, Count: out.Count, UnblockAt: out.UnblockAt, At: now, Actor: ActorSystem})
	}

	remaining := out.UnblockAt.Sub(now)
	return Decision{
		Reason:           out.Reason,
		Count:            out.Count,
		RetryAfter:       remaining,
		RemainingMinutes: ceilMinutes(remaining),
	}
}

// BlockIP blocks key for d, bypassing the rate window.
func (g *Governor) BlockIP(ctx context.Context, key string, d time.Duration) (BlockInfo, error) {
	if d <= 0 {
		return BlockInfo{}, ErrInvalidDuration
	}
	key = normalizeKey(key)
	now := g.now()
	until := now.Add(d)
	if err := g.store.Block(ctx, key, now, until); err != nil {
		return BlockInfo{}, fmt.Errorf("block %s: %w", key, err)
	}
	g.manualBlocks.Add(1)
	metrics.AdminActions.WithLabelValues("block").Inc()
	actor := ActorFromContext(ctx)
	g.log.Infow("Client blocked by admin", "key", key, "until", until, "actor", actor)
	g.emit(Event{Kind: EventBlocked, Key: key, UnblockAt: until, At: now, Actor: actor})
	return newBlockInfo(BlockEntry{Key: key, UnblockAt: until}, now), nil
}

// UnblockIP removes the block for key. It returns ErrNotFound when there is
// no block or the block has already run out.
func (g *Governor) UnblockIP(ctx context.Context, key string) error {
	key = normalizeKey(key)
	now := g.now()
	ok, err := g.store.Unblock(ctx, key, now)
	if err != nil {
		return fmt.Errorf("unblock %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	metrics.AdminActions.WithLabelValues("unblock").Inc()
	actor := ActorFromContext(ctx)
	g.log.Infow("Client unblocked by admin", "key", key, "actor", actor)
	g.emit(Event{Kind: EventUnblocked, Key: key, At: now, Actor: actor})
	return nil
}

// ClearAllBlocks removes every block and returns how many there were.
func (g *Governor) ClearAllBlocks(ctx context.Context) (int, error) {
	n, err := g.store.ClearBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear blocks: %w", err)
	}
	metrics.AdminActions.WithLabelValues("clear").Inc()
	actor := ActorFromContext(ctx)
	g.log.Infow("All blocks cleared by admin", "count", n, "actor", actor)
	g.emit(Event{Kind: EventCleared, Count: n, At: g.now(), Actor: actor})
	return n, nil
}

// ListBlocked returns the unexpired blocks, soonest to lift first.
func (g *Governor) ListBlocked(ctx context.Context) ([]BlockInfo, error) {
	entries, err := g.store.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	now := g.now()
	out := make([]BlockInfo, 0, len(entries))
	for _, e := range entries {
		if !e.UnblockAt.After(now) {
			continue
		}
		out = append(out, newBlockInfo(e, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Remaining == out[j].Remaining {
			return out[i].Key < out[j].Key
		}
		return out[i].Remaining < out[j].Remaining
	})
	return out, nil
}

// ListSessions returns the current rate windows sorted by key.
func (g *Governor) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	entries, err := g.store.Windows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := g.now()
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		elapsed := now.Sub(e.WindowStart)
		out = append(out, SessionInfo{
			Key:            e.Key,
			Count:          e.Count,
			WindowStart:    e.WindowStart,
			Elapsed:        elapsed,
			ElapsedSeconds: int(elapsed / time.Second),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (g *Governor) Stats(ctx context.Context) (Stats, error) {
	windows, err := g.store.Windows(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	blocks, err := g.ListBlocked(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		TotalRequests:    g.requests.Load(),
		TotalEscalations: g.escalations.Load(),
		TotalRejections:  g.rejections.Load(),
		ManualBlocks:     g.manualBlocks.Load(),
		ActiveWindows:    len(windows),
		ActiveBlocks:     len(blocks),
		MaxClicks:        g.cfg.MaxClicks,
		WindowSeconds:    int(g.cfg.Window / time.Second),
		BlockMinutes:     int(g.cfg.BlockDuration / time.Minute),
	}, nil
}

// Sweep evicts stale windows and expired blocks once.
func (g *Governor) Sweep(ctx context.Context) (SweepResult, error) {
	now := g.now()
	res, err := g.store.Sweep(ctx, now, g.cfg.Window)
	if err != nil {
		return res, err
	}
	metrics.JanitorEvictions.WithLabelValues("window").Add(float64(res.Windows))
	metrics.JanitorEvictions.WithLabelValues("block").Add(float64(res.Blocks))
	for _, key := range res.ExpiredBlocks {
		g.emit(Event{Kind: EventExpired, Key: key, At: now, Actor: ActorSystem})
	}
	return res, nil
}

func (g *Governor) emit(ev Event) {
	g.obsMu.RLock()
	obs := g.observers
	g.obsMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(ev)
	}
}

func newBlockInfo(e BlockEntry, now time.Time) BlockInfo {
	remaining := e.UnblockAt.Sub(now)
	return BlockInfo{
		Key:              e.Key,
		UnblockAt:        e.UnblockAt,
		Remaining:        remaining,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
		RemainingMinutes: ceilMinutes(remaining),
	}
}

func normalizeKey(key string) string {
	if key == "" {
		return UnknownKey
	}
	return key
}

// ceilMinutes rounds up so a client told "N minutes" never retries early.
func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
