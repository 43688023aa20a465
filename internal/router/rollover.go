package router

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// StartStatsRollover resets the session store's daily counters on a cron
// schedule (midnight by default). The scheduler computes the next tick
// and sleeps until it, so the reset lands on the boundary rather than
// drifting with a ticker.
func (r *Router) StartStatsRollover(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = "0 0 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid stats rollover cron expression: %s", cronExpr)
	}

	go func() {
		for {
			now := time.Now().UTC()
			next, err := gronx.NextTickAfter(cronExpr, now, false)
			if err != nil {
				r.logger.Warn("stats rollover next tick failed", "cron", cronExpr, "error", err)
				select {
				case <-time.After(30 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-time.After(time.Until(next)):
				r.sessions.RolloverDailyStats()
				r.logger.Info("daily stats rolled over", "cron", cronExpr)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
