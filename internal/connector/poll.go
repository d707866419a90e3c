package connector

import (
	"context"
	"fmt"
	"time"

	"fundingflow/logger"
)

// runPoll polls immediately, then on every wall-clock boundary of the poll
// interval so all polling connectors sample at comparable instants.
func (c *Connector) runPoll(ctx context.Context, p Poller) error {
	for first := true; ; first = false {
		if !first && !c.waitAligned(ctx) {
			return nil
		}

		tick := c.opts.Now()
		pollCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		start := time.Now()
		updates, err := p.Poll(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll: %w", err)
		}
		logger.LogPerformanceEntry(c.log, "connector", "poll", time.Since(start), logger.Fields{"updates": len(updates)})

		for i := range updates {
			if updates[i].ObservedAt.IsZero() {
				updates[i].ObservedAt = tick
			}
		}

		c.flushMu.Lock()
		c.bufMu.Lock()
		snaps := c.snapshots(updates, tick)
		c.bufMu.Unlock()
		err = c.write(ctx, snaps)
		c.flushMu.Unlock()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			c.markData()
		}
	}
}

func (c *Connector) waitAligned(ctx context.Context) bool {
	now := c.opts.Now()
	next := now.Truncate(c.opts.PollInterval).Add(c.opts.PollInterval)
	return sleep(ctx, next.Sub(now))
}
