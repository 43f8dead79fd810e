package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSwapExecuted
	EventTypeSupplied
	EventTypeWithdrawn
	EventTypeBorrowed
	EventTypeRepaid
	EventTypeLiquidated
	EventTypeCollateralReleased
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
)

func (et EventType) String() string {
	switch et {
	case EventTypeSwapExecuted:
		return "SwapExecuted"
	case EventTypeSupplied:
		return "Supplied"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeBorrowed:
		return "Borrowed"
	case EventTypeRepaid:
		return "Repaid"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeCollateralReleased:
		return "CollateralReleased"
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	default:
		return "Unknown"
	}
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey is stable across redelivery (the settlement plan id).
	IdempotencyKey() string
	EventType() EventType
	// PoolID is the AMM or lending pool the event touched.
	PoolID() string
}

// Envelope wraps an event for publishing.
type Envelope struct {
	ID             uuid.UUID `json:"id"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	PoolID         string    `json:"pool_id"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        Event     `json:"payload"`
}

// Wrap stamps an event for publishing.
func Wrap(e Event, now time.Time) Envelope {
	return Envelope{
		ID:             uuid.New(),
		EventType:      e.EventType().String(),
		IdempotencyKey: e.IdempotencyKey(),
		PoolID:         e.PoolID(),
		Timestamp:      now.UTC(),
		Payload:        e,
	}
}

// Publisher emits domain events after bookkeeping is recorded. Publishing is
// best effort and never affects the operation's outcome.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
