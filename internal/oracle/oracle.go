package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"golang.org/x/sync/errgroup"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/retry"
)

var (
	ErrNoPrice  = fault.New(fault.KindNotFound, "oracle: no price for asset")
	ErrBadPrice = fault.New(fault.KindValidation, "oracle: price must be positive")
)

// PriceOracle returns the current exchange rate of an asset in the
// reference unit.
type PriceOracle interface {
	PriceInReferenceUnit(ctx context.Context, a asset.Asset) (fpmath.Amount, error)
}

// Value converts amount of a into reference units.
func Value(ctx context.Context, o PriceOracle, a asset.Asset, amount fpmath.Amount) (fpmath.Amount, fpmath.Amount, error) {
	price, err := o.PriceInReferenceUnit(ctx, a)
	if err != nil {
		return 0, 0, fmt.Errorf("price %s: %w", a, err)
	}
	value, err := amount.Mul(price, fpmath.RoundDown)
	if err != nil {
		return 0, 0, fmt.Errorf("value %s: %w", a, err)
	}
	return value, price, nil
}

// Pair fetches two prices concurrently.
func Pair(ctx context.Context, o PriceOracle, a, b asset.Asset) (fpmath.Amount, fpmath.Amount, error) {
	var pa, pb fpmath.Amount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := o.PriceInReferenceUnit(gctx, a)
		if err != nil {
			return fmt.Errorf("price %s: %w", a, err)
		}
		pa = p
		return nil
	})
	g.Go(func() error {
		p, err := o.PriceInReferenceUnit(gctx, b)
		if err != nil {
			return fmt.Errorf("price %s: %w", b, err)
		}
		pb = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return pa, pb, nil
}

// --- Static ---

// StaticOracle serves configured prices. It backs development deployments
// and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]fpmath.Amount
}

func NewStaticOracle(prices map[string]fpmath.Amount) *StaticOracle {
	so := &StaticOracle{prices: make(map[string]fpmath.Amount, len(prices))}
	for k, v := range prices {
		so.prices[k] = v
	}
	return so
}

// Set updates the price of an asset.
func (so *StaticOracle) Set(a asset.Asset, price fpmath.Amount) error {
	if price <= 0 {
		return ErrBadPrice
	}
	so.mu.Lock()
	so.prices[a.Key()] = price
	so.mu.Unlock()
	return nil
}

func (so *StaticOracle) PriceInReferenceUnit(_ context.Context, a asset.Asset) (fpmath.Amount, error) {
	so.mu.RLock()
	defer so.mu.RUnlock()
	p, ok := so.prices[a.Key()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, a)
	}
	return p, nil
}

// --- Cached ---

type quote struct {
	price     fpmath.Amount
	fetchedAt time.Time
}

// CachedOracle fronts a slower source. Quotes are reused for maxAge; fetches
// are retried for transient errors.
type CachedOracle struct {
	source  PriceOracle
	maxAge  time.Duration
	now     func() time.Time
	exec    failsafe.Executor[fpmath.Amount]
	onRetry func()
	observe func(time.Duration)

	mu     sync.Mutex
	quotes map[string]quote
}

func NewCachedOracle(source PriceOracle, maxAge time.Duration, policy retry.Policy, onRetry func()) *CachedOracle {
	return &CachedOracle{
		source:  source,
		maxAge:  maxAge,
		now:     time.Now,
		exec:    retry.NewExecutor[fpmath.Amount](policy),
		onRetry: onRetry,
		quotes:  make(map[string]quote),
	}
}

// WithLatencyObserver reports the duration of every source fetch.
func (co *CachedOracle) WithLatencyObserver(observe func(time.Duration)) *CachedOracle {
	co.observe = observe
	return co
}

// WithClock overrides the time source.
func (co *CachedOracle) WithClock(now func() time.Time) *CachedOracle {
	co.now = now
	return co
}

func (co *CachedOracle) PriceInReferenceUnit(ctx context.Context, a asset.Asset) (fpmath.Amount, error) {
	key := a.Key()
	now := co.now()

	co.mu.Lock()
	q, ok := co.quotes[key]
	co.mu.Unlock()
	if ok && now.Sub(q.fetchedAt) <= co.maxAge {
		return q.price, nil
	}

	start := time.Now()
	price, err := retry.Get(ctx, co.exec, co.onRetry, func(ctx context.Context) (fpmath.Amount, error) {
		return co.source.PriceInReferenceUnit(ctx, a)
	})
	if co.observe != nil {
		co.observe(time.Since(start))
	}
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrBadPrice, a)
	}

	co.mu.Lock()
	co.quotes[key] = quote{price: price, fetchedAt: now}
	co.mu.Unlock()

	return price, nil
}

// Invalidate drops a cached quote.
func (co *CachedOracle) Invalidate(a asset.Asset) {
	co.mu.Lock()
	delete(co.quotes, a.Key())
	co.mu.Unlock()
}
