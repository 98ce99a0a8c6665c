// Package oracle converts display currency (USD) into settlement units using
// cached upstream prices.
//
// Prices are served from cache while younger than the TTL. When the cache is
// stale the oracle refreshes from upstream; if that fails it keeps serving the
// last known price and only errors when no price was ever obtained.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/crash-engine/internal/metrics"
	"github.com/atmx/crash-engine/internal/model"
)

var (
	ErrPriceUnavailable    = errors.New("oracle: price unavailable")
	ErrUnsupportedCurrency = errors.New("oracle: unsupported currency")
)

// DefaultFetchTimeout bounds one upstream price refresh.
const DefaultFetchTimeout = 5 * time.Second

// Fetcher retrieves current USD prices for the given currencies.
type Fetcher interface {
	FetchPrices(ctx context.Context, currencies []string) (map[string]decimal.Decimal, error)
}

type quote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Oracle is a TTL cache in front of a Fetcher.
type Oracle struct {
	fetcher      Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote
	group  singleflight.Group
}

// New creates an oracle. A nil logger uses slog.Default().
func New(fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		fetcher:      fetcher,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		log:          logger,
		now:          time.Now,
		quotes:       make(map[string]quote),
	}
}

// Price returns the USD price of one unit of currency.
func (o *Oracle) Price(ctx context.Context, currency string) (decimal.Decimal, error) {
	if !model.IsSupportedCurrency(currency) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}

	q, ok := o.cached(currency)
	if ok && o.now().Sub(q.fetchedAt) < o.ttl {
		return q.price, nil
	}

	if err := o.refresh(ctx); err != nil {
		if ok {
			metrics.OracleFallbacks.WithLabelValues(currency).Inc()
			o.log.Warn("price refresh failed, serving last known price",
				"currency", currency,
				"price", q.price.String(),
				"age", o.now().Sub(q.fetchedAt).String(),
				"err", err,
			)
			return q.price, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, currency, err)
	}

	q, ok = o.cached(currency)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s missing from upstream response", ErrPriceUnavailable, currency)
	}
	return q.price, nil
}

func (o *Oracle) cached(currency string) (quote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[currency]
	return q, ok
}

// refresh fetches every supported currency at once. Concurrent callers share
// one upstream request.
func (o *Oracle) refresh(ctx context.Context) error {
	_, err, _ := o.group.Do("prices", func() (any, error) {
		// Joined callers share this fetch, so it must outlive the first
		// caller's request.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.fetchTimeout)
		defer cancel()
		prices, err := o.fetcher.FetchPrices(fetchCtx, model.Currencies)
		if err != nil {
			return nil, err
		}

		now := o.now()
		o.mu.Lock()
		defer o.mu.Unlock()
		for c, p := range prices {
			if !p.IsPositive() {
				continue
			}
			o.quotes[c] = quote{price: p, fetchedAt: now}
		}
		return nil, nil
	})
	return err
}
