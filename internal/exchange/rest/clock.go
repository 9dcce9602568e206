package rest

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/tradepilot/internal/observability"
)

// clockSync caches server-time minus local-time. The offset is refreshed
// lazily at most once per refresh interval, or on demand after the exchange
// rejects a timestamp.
type clockSync struct {
	mu       sync.Mutex
	value    time.Duration
	syncedAt time.Time
	refresh  time.Duration
	now      func() time.Time
	fetch    func(context.Context) (time.Time, error)
	logger   observability.Logger
}

func newClockSync(refresh time.Duration, now func() time.Time, fetch func(context.Context) (time.Time, error), logger observability.Logger) *clockSync {
	return &clockSync{refresh: refresh, now: now, fetch: fetch, logger: logger}
}

func (c *clockSync) offset(ctx context.Context) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.syncedAt.IsZero() && c.now().Sub(c.syncedAt) < c.refresh {
		return c.value
	}
	if err := c.syncLocked(ctx); err != nil {
		c.logger.Warn("rest: clock sync failed, keeping previous offset",
			observability.F("offset_ms", c.value.Milliseconds()),
			observability.Err(err))
	}
	return c.value
}

func (c *clockSync) resync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(ctx)
}

func (c *clockSync) syncLocked(ctx context.Context) error {
	before := c.now()
	server, err := c.fetch(ctx)
	if err != nil {
		// Avoid hammering the time endpoint while it is failing.
		c.syncedAt = before
		return err
	}
	after := c.now()
	midpoint := before.Add(after.Sub(before) / 2)
	c.value = server.Sub(midpoint)
	c.syncedAt = after
	c.logger.Debug("rest: clock synced", observability.F("offset_ms", c.value.Milliseconds()))
	return nil
}

// Offset returns the cached offset without refreshing it.
func (c *clockSync) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
