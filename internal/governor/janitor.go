package governor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvcoi/ytgate/internal/metrics"
)

// Janitor periodically evicts stale windows and expired blocks so memory
// stays bounded when traffic stops.
type Janitor struct {
	gov      *Governor
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewJanitor(g *Governor, log *zap.SugaredLogger) *Janitor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Janitor{gov: g, interval: g.cfg.CleanupInterval, log: log}
}

// Start runs the sweep loop until ctx is cancelled. The returned channel is
// closed once the loop has exited and no sweep is in flight.
func (j *Janitor) Start(ctx context.Context) <-chan struct{} {
	interval := j.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = j.RunOnce(ctx)
			}
		}
	}()
	return done
}

// RunOnce performs a single sweep. A failing or panicking sweep is logged
// and reported, never propagated as a panic.
func (j *Janitor) RunOnce(ctx context.Context) (res SweepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("janitor panic: %v", r)
		}
		if err != nil {
			metrics.JanitorErrors.Inc()
			j.log.Errorw("Janitor sweep failed", "error", err)
		}
	}()

	res, err = j.gov.Sweep(ctx)
	if err != nil {
		return res, err
	}
	if res.Windows > 0 || res.Blocks > 0 {
		j.log.Debugw("Janitor sweep", "windows", res.Windows, "blocks", res.Blocks)
	}
	return res, nil
}
