package restore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DumpRoutine dumps the current states once immediately, then on every tick
// of the configured interval, until the context is canceled. The immediate
// dump minimizes the risk of stale states from the previous session being
// restored after the current one has already moved on.
func (c *Cache) DumpRoutine(ctx context.Context) error {
	l := c.l.Named("routine.dump")

	c.Dump(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Debug("routine canceled", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
			go c.Dump(ctx)
		}
	}
}
