package rates

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bher20/utilitycost/internal/storage"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// stubCatalog serves a fixed rate list and counts calls.
type stubCatalog struct {
	rates []storage.RateVersion
	err   error
	delay time.Duration
	calls int32
}

func (c *stubCatalog) ListRates(ctx context.Context, utilityType string) ([]storage.RateVersion, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	var out []storage.RateVersion
	for _, rv := range c.rates {
		if rv.UtilityType == utilityType {
			out = append(out, rv)
		}
	}
	return out, nil
}

func (c *stubCatalog) CurrentRate(ctx context.Context, utilityType string) (*storage.RateVersion, error) {
	for _, rv := range c.rates {
		if rv.UtilityType == utilityType && rv.IsCurrent {
			cp := rv
			return &cp, nil
		}
	}
	return nil, nil
}

var errTransport = errors.New("connection refused")

func flatRate(id, utility, price string, eff time.Time) storage.RateVersion {
	return storage.RateVersion{
		ID: id, UtilityType: utility, Version: 1, PricePerUnit: dec(price),
		EffectiveDate: eff, SeasonalMultiplier: dec("1"), Source: "official", CreatedAt: eff,
	}
}
