package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DefiLedger/internal/event"
	"DefiLedger/internal/observability"
)

const (
	EventStream      = "DEFI_EVENTS"
	EventSubjectBase = "defi.events"

	InvalidationStream      = "DEFI_CACHE"
	InvalidationSubjectBase = "defi.cache.invalidate"
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureStreams creates the event and invalidation streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectBase + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      InvalidationStream,
			Subjects:  []string{InvalidationSubjectBase + ".>"},
			Storage:   jetstream.MemoryStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Minute,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// NATSInvalidator publishes invalidation keys to
// defi.cache.invalidate.<scope>.
type NATSInvalidator struct {
	js      jetstream.JetStream
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewNATSInvalidator(js jetstream.JetStream, logger zerolog.Logger, metrics *observability.Metrics) *NATSInvalidator {
	return &NATSInvalidator{js: js, logger: logger, metrics: metrics}
}

func (ni *NATSInvalidator) Invalidate(ctx context.Context, key string) {
	scope := Scope(key)
	if _, err := ni.js.Publish(ctx, InvalidationSubjectBase+"."+scope, []byte(key)); err != nil {
		ni.logger.Warn().Err(err).Str("key", key).Msg("cache invalidation publish failed")
		return
	}
	if ni.metrics != nil {
		ni.metrics.CacheInvalidated.WithLabelValues(scope).Inc()
	}
}

// EventPublisher publishes domain events to defi.events.<type> from a
// buffered queue so engines never wait on NATS.
type EventPublisher struct {
	js      jetstream.JetStream
	queue   chan event.Envelope
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewEventPublisher(js jetstream.JetStream, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *EventPublisher {
	return &EventPublisher{
		js:      js,
		queue:   make(chan event.Envelope, buffer),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Publish enqueues e; a full queue drops it.
func (ep *EventPublisher) Publish(_ context.Context, e event.Event) {
	env := event.Wrap(e, ep.now())
	select {
	case ep.queue <- env:
	default:
		ep.logger.Warn().
			Str("event_type", env.EventType).
			Str("idempotency_key", env.IdempotencyKey).
			Msg("event queue full, dropping event")
		if ep.metrics != nil {
			ep.metrics.EventPublishDrops.Inc()
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (ep *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			ep.flush()
			return ctx.Err()
		case env := <-ep.queue:
			ep.send(ctx, env)
		}
	}
}

func (ep *EventPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case env := <-ep.queue:
			ep.send(ctx, env)
		default:
			return
		}
	}
}

func (ep *EventPublisher) send(ctx context.Context, env event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		ep.logger.Error().Err(err).Str("event_type", env.EventType).Msg("marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectBase, env.EventType)
	// dedup on the server side by idempotency key
	if _, err := ep.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.IdempotencyKey)); err != nil {
		ep.logger.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
		return
	}
	if ep.metrics != nil {
		ep.metrics.EventsPublished.WithLabelValues(env.EventType).Inc()
	}
}
