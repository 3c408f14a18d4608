package rates

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Coalescer wraps a Lookup so identical lookups keyed by (utility type,
// month, tier) share one upstream call while it is in flight, and reuse its
// result for a short window afterwards.
type Coalescer struct {
	next   Lookup
	window time.Duration
	clock  clock.Clock

	group singleflight.Group

	mu     sync.Mutex
	recent map[string]recentResolution
}

type recentResolution struct {
	res     Resolution
	expires time.Time
}

func NewCoalescer(next Lookup, window time.Duration, clk clock.Clock) *Coalescer {
	return &Coalescer{
		next:   next,
		window: window,
		clock:  clk,
		recent: make(map[string]recentResolution),
	}
}

func coalesceKey(utilityType string, month Month, tier TierQuery) string {
	return utilityType + "|" + month.String() + "|" + tier.Key()
}

func (c *Coalescer) Resolve(ctx context.Context, utilityType string, month Month, tier TierQuery) (Resolution, error) {
	key := coalesceKey(utilityType, month, tier)
	if res, ok := c.lookupRecent(key); ok {
		metrics.CoalescedLookupsTotal.WithLabelValues(utilityType, "window").Inc()
		return res, nil
	}

	// The shared call must not die with whichever caller arrived first; the
	// resolver's own catalog timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		res, err := c.next.Resolve(shared, utilityType, month, tier)
		if err == nil {
			c.remember(key, res)
		}
		return res, err
	})

	select {
	case out := <-ch:
		if out.Shared {
			metrics.CoalescedLookupsTotal.WithLabelValues(utilityType, "inflight").Inc()
		}
		if out.Err != nil {
			return Resolution{}, out.Err
		}
		return out.Val.(Resolution), nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Forget drops remembered results for a utility type, e.g. after a new
// rate version is published.
func (c *Coalescer) Forget(utilityType string) {
	prefix := utilityType + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.recent {
		if strings.HasPrefix(k, prefix) {
			delete(c.recent, k)
		}
	}
}

func (c *Coalescer) lookupRecent(key string) (Resolution, bool) {
	if c.window <= 0 {
		return Resolution{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recent[key]
	if !ok || !c.clock.Now().Before(r.expires) {
		return Resolution{}, false
	}
	return r.res, true
}

func (c *Coalescer) remember(key string, res Resolution) {
	if c.window <= 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recent) > 512 {
		for k, r := range c.recent {
			if !now.Before(r.expires) {
				delete(c.recent, k)
			}
		}
	}
	c.recent[key] = recentResolution{res: res, expires: now.Add(c.window)}
}
