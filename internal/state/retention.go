package state

import (
	"context"
	"sync"
	"time"
)

// Retention prunes the prediction history on an interval
type Retention struct {
	mgr      *Manager
	maxAge   time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRetention creates a pruning service. A zero maxAge keeps history forever.
func NewRetention(mgr *Manager, maxAge time.Duration) *Retention {
	return &Retention{
		mgr:      mgr,
		maxAge:   maxAge,
		interval: time.Hour,
	}
}

func (r *Retention) Name() string {
	return "state-retention"
}

// Start prunes once and then every interval
func (r *Retention) Start(ctx context.Context) error {
	if r.maxAge <= 0 {
		return nil
	}
	ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.prune(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.prune(ctx)
			}
		}
	}()
	return nil
}

func (r *Retention) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Retention) prune(ctx context.Context) {
	removed, err := r.mgr.PrunePredictions(ctx, time.Now().UTC().Add(-r.maxAge))
	if err != nil {
		r.mgr.logger.Warn("Prediction pruning failed", "error", err)
		return
	}
	if removed > 0 {
		r.mgr.logger.Info("Pruned prediction history", "removed", removed)
	}
}
