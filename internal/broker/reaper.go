package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper releases sessions whose lifetime elapsed.
// It sleeps until the soonest deadline, bounded by a polling interval so
// sessions created while it sleeps are noticed.
type Reaper struct {
	log      *zap.Logger
	engine   *Engine
	interval time.Duration
}

// NewReaper returns a Reaper for engine. interval <= 0 defaults to 30s.
func NewReaper(log *zap.Logger, engine *Engine, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		log:      log.Named("reaper"),
		engine:   engine,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("reaper started", zap.Duration("interval", r.interval))

	timer := time.NewTimer(r.wait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped", zap.String("reason", ctx.Err().Error()))
			return

		case <-timer.C:
			r.reapOnce(ctx)
			timer.Reset(r.wait())
		}
	}
}

// reapOnce releases everything due now and reports how many sessions ended.
func (r *Reaper) reapOnce(ctx context.Context) int {
	released, err := r.engine.ReapExpired(ctx, r.engine.now())
	if err != nil {
		r.log.Warn("backend stop failed while reaping", zap.Error(err))
	}
	for _, s := range released {
		r.log.Info("session expired", zap.Int("port", s.Port), zap.Time("expired_at", s.ExpiresAt))
	}
	return len(released)
}

// wait returns how long to sleep before the next pass.
func (r *Reaper) wait() time.Duration {
	next, ok := r.engine.NextExpiry()
	if !ok {
		return r.interval
	}
	d := next.Sub(r.engine.now())
	switch {
	case d < 0:
		return 0
	case d > r.interval:
		return r.interval
	}
	return d
}
