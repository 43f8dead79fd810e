package cache

import (
	"context"
	"strings"
)

// Invalidator drops cached views after a reserve- or balance-changing
// operation. It is an optimisation only; failures are logged, never returned.
type Invalidator interface {
	Invalidate(ctx context.Context, key string)
}

func PoolKey(id string) string          { return "pool:" + id }
func LendingPoolKey(id string) string   { return "lpool:" + id }
func BalanceKey(account string) string  { return "balance:" + account }
func PositionsKey(userID string) string { return "positions:" + userID }
func PositionKey(id string) string      { return "position:" + id }

// Scope is the key prefix ("pool", "balance", ...).
func Scope(key string) string {
	scope, _, ok := strings.Cut(key, ":")
	if !ok {
		return "other"
	}
	return scope
}

// Noop ignores invalidations.
type Noop struct{}

func (Noop) Invalidate(context.Context, string) {}

// Recorder keeps invalidated keys, for tests.
type Recorder struct {
	keys chan string
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{keys: make(chan string, capacity)}
}

func (r *Recorder) Invalidate(_ context.Context, key string) {
	select {
	case r.keys <- key:
	default:
	}
}

// Keys drains what was recorded so far.
func (r *Recorder) Keys() []string {
	var out []string
	for {
		select {
		case k := <-r.keys:
			out = append(out, k)
		default:
			return out
		}
	}
}
