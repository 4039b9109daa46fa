package governor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps windows and blocks in process memory. One mutex guards
// both maps so that the block check, the count and the escalation form a
// single critical section.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]WindowEntry
	blocks  map[string]BlockEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]WindowEntry),
		blocks:  make(map[string]BlockEntry),
	}
}

// RecordAndCheck counts one request for key and reports whether it is within
// the limit. It does not escalate; Admit does.
func (m *MemoryStore) RecordAndCheck(key string, now time.Time, rule Rule) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(key, now, rule)
}

// IsBlocked reports whether key is blocked at now and for how long. An
// expired entry reads as unblocked and stays in place for Sweep.
func (m *MemoryStore) IsBlocked(key string, now time.Time) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	if !ok || !now.Before(b.UnblockAt) {
		return false, 0
	}
	return true, b.UnblockAt.Sub(now)
}

func (m *MemoryStore) recordLocked(key string, now time.Time, rule Rule) (int, bool) {
	w, ok := m.windows[key]
	if !ok || now.Sub(w.WindowStart) > rule.Window {
		m.windows[key] = WindowEntry{Key: key, Count: 1, WindowStart: now}
		return 1, true
	}
	w.Count++
	m.windows[key] = w
	return w.Count, w.Count <= rule.MaxClicks
}

// blockedLocked returns the active block for key. An expired entry is
// removed and reported through expired.
func (m *MemoryStore) blockedLocked(key string, now time.Time) (_ BlockEntry, blocked, expired bool) {
	b, ok := m.blocks[key]
	if !ok {
		return BlockEntry{}, false, false
	}
	if now.Before(b.UnblockAt) {
		return b, true, false
	}
	delete(m.blocks, key)
	return BlockEntry{}, false, true
}

func (m *MemoryStore) Admit(_ context.Context, key string, now time.Time, rule Rule) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, blocked, expired := m.blockedLocked(key, now)
	if blocked {
		return Outcome{Reason: ReasonBlocked, UnblockAt: b.UnblockAt}, nil
	}

	count, ok := m.recordLocked(key, now, rule)
	if ok {
		return Outcome{Allowed: true, Count: count, ExpiredBlock: expired}, nil
	}

	until := now.Add(rule.BlockDuration)
	delete(m.windows, key)
	m.blocks[key] = BlockEntry{Key: key, UnblockAt: until}
	return Outcome{
		Reason:       ReasonRateExceeded,
		Count:        count,
		UnblockAt:    until,
		Escalated:    true,
		ExpiredBlock: expired,
	}, nil
}

func (m *MemoryStore) Block(_ context.Context, key string, _ time.Time, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	m.blocks[key] = BlockEntry{Key: key, UnblockAt: until}
	return nil
}

func (m *MemoryStore) Unblock(_ context.Context, key string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	if !ok || !b.UnblockAt.After(now) {
		return false, nil
	}
	delete(m.blocks, key)
	return true, nil
}

func (m *MemoryStore) ClearBlocks(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.blocks)
	m.blocks = make(map[string]BlockEntry)
	return n, nil
}

func (m *MemoryStore) Blocks(context.Context) ([]BlockEntry, error) {
	m.mu.Lock()
	out := make([]BlockEntry, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Windows(context.Context) ([]WindowEntry, error) {
	m.mu.Lock()
	out := make([]WindowEntry, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Sweep drops stale windows (older than window) and blocks whose UnblockAt
// is at or before now.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time, window time.Duration) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res SweepResult
	for key, w := range m.windows {
		if now.Sub(w.WindowStart) > window {
			delete(m.windows, key)
			res.Windows++
		}
	}
	for key, b := range m.blocks {
		if !b.UnblockAt.After(now) {
			delete(m.blocks, key)
			res.Blocks++
			res.ExpiredBlocks = append(res.ExpiredBlocks, key)
		}
	}
	sort.Strings(res.ExpiredBlocks)
	return res, nil
}

// Len returns the current number of windows and blocks.
func (m *MemoryStore) Len() (windows, blocks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows), len(m.blocks)
}

func (m *MemoryStore) Close() error { return nil }
