package rates

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescer_CollapsesConcurrentLookups(t *testing.T) {
	cat := &stubCatalog{
		rates: []storage.RateVersion{flatRate("mar", "electricity", "10.50", day(2024, 3, 1))},
		delay: 50 * time.Millisecond,
	}
	clk := clock.NewFakeClock(day(2024, 3, 20))
	c := NewCoalescer(newTestResolver(cat, day(2024, 3, 20), ResolverConfig{}), 100*time.Millisecond, clk)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Resolve(context.Background(), "electricity", Month{2024, time.March}, TierQuery{})
			assert.NoError(t, err)
			assert.Equal(t, "mar", res.Rate.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&cat.calls))
}

func TestCoalescer_WindowExpires(t *testing.T) {
	cat := &stubCatalog{rates: []storage.RateVersion{flatRate("mar", "water", "2", day(2024, 3, 1))}}
	clk := clock.NewFakeClock(day(2024, 3, 20))
	c := NewCoalescer(newTestResolver(cat, day(2024, 3, 20), ResolverConfig{}), 100*time.Millisecond, clk)
	ctx := context.Background()
	march := Month{2024, time.March}

	_, err := c.Resolve(ctx, "water", march, TierQuery{})
	require.NoError(t, err)
	_, err = c.Resolve(ctx, "water", march, TierQuery{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cat.calls), "second call served from window")

	_, err = c.Resolve(ctx, "water", march, TierQuery{Min: decp("5")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&cat.calls), "different tier is a different key")

	clk.Advance(150 * time.Millisecond)
	_, err = c.Resolve(ctx, "water", march, TierQuery{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&cat.calls))

	c.Forget("water")
	_, err = c.Resolve(ctx, "water", march, TierQuery{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&cat.calls))
}

func TestCoalescer_CallerCancellation(t *testing.T) {
	cat := &stubCatalog{delay: 100 * time.Millisecond}
	clk := clock.NewFakeClock(day(2024, 3, 20))
	c := NewCoalescer(newTestResolver(cat, day(2024, 3, 20), ResolverConfig{}), 0, clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "water", Month{2024, time.March}, TierQuery{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
