package governor

import (
	"context"
	"time"
)

// Rule is the slice of Config a store needs to make an admission decision.
type Rule struct {
	MaxClicks     int
	Window        time.Duration
	BlockDuration time.Duration
}

// WindowEntry is the per-key counting window.
type WindowEntry struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// BlockEntry marks a key as rejected until UnblockAt.
type BlockEntry struct {
	Key       string
	UnblockAt time.Time
}

// Outcome is what a store reports for a single admission.
type Outcome struct {
	Allowed bool
	Reason  Reason
	Count   int
	// UnblockAt is set whenever Allowed is false.
	UnblockAt time.Time
	// Escalated is true only for the request that created the block.
	Escalated bool
	// ExpiredBlock is true when this admission found the key's block past
	// its UnblockAt and removed it.
	ExpiredBlock bool
}

// SweepResult summarises one janitor pass.
type SweepResult struct {
	Windows int
	Blocks  int
	// ExpiredBlocks lists the keys whose block was evicted.
	ExpiredBlocks []string
}

// Store holds governor state. Implementations must keep a key in at most one
// of the window and block sets, and must make Admit atomic per key.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time, rule Rule) (Outcome, error)
	// Block creates or overwrites the block for key and drops its window.
	Block(ctx context.Context, key string, now, until time.Time) error
	// Unblock removes an active block and reports whether there was one. A
	// block already past its UnblockAt counts as absent and is left for Sweep.
	Unblock(ctx context.Context, key string, now time.Time) (bool, error)
	ClearBlocks(ctx context.Context) (int, error)
	Blocks(ctx context.Context) ([]BlockEntry, error)
	Windows(ctx context.Context) ([]WindowEntry, error)
	Sweep(ctx context.Context, now time.Time, window time.Duration) (SweepResult, error)
	Close() error
}
