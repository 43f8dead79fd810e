package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DefiLedger/internal/asset"
	fpmath "DefiLedger/internal/math"
	"DefiLedger/internal/observability"
)

const (
	PriceStream      = "DEFI_PRICES"
	PriceSubjectBase = "defi.prices"
)

// PriceSink receives validated prices. *oracle.StaticOracle satisfies it.
type PriceSink interface {
	Set(a asset.Asset, price fpmath.Amount) error
}

// PriceFeed consumes defi.prices.> from JetStream and keeps a PriceSink
// current. Updates older than the last applied one for the same asset are
// acknowledged and skipped.
type PriceFeed struct {
	js        jetstream.JetStream
	sink      PriceSink
	onApplied func(asset.Asset)
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	latest   map[string]time.Time
	consumer jetstream.ConsumeContext
}

// NewPriceFeed wires a feed into sink. onApplied, if set, runs after each
// applied update; callers use it to drop cached quotes.
func NewPriceFeed(js jetstream.JetStream, sink PriceSink, onApplied func(asset.Asset), logger zerolog.Logger, metrics *observability.Metrics) *PriceFeed {
	return &PriceFeed{
		js:        js,
		sink:      sink,
		onApplied: onApplied,
		logger:    logger,
		metrics:   metrics,
		latest:    make(map[string]time.Time),
	}
}

// EnsureStream creates the price stream if it does not exist. Prices are
// only useful while fresh, so the stream keeps one message per subject.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              PriceStream,
		Subjects:          []string{PriceSubjectBase + ".>"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            24 * time.Hour,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStream, err)
	}
	return nil
}

// Subscribe starts a durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s; malformed messages are terminated.
func (pf *PriceFeed) Subscribe(ctx context.Context, durable string) error {
	consumer, err := pf.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: PriceSubjectBase + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(pf.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	pf.mu.Lock()
	pf.consumer = cc
	pf.mu.Unlock()

	pf.logger.Info().Str("consumer", durable).Str("stream", PriceStream).Msg("subscribed to price feed")
	return nil
}

func (pf *PriceFeed) handle(msg jetstream.Msg) {
	if _, err := pf.Apply(msg.Subject(), msg.Data()); err != nil {
		pf.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("rejected price update")
		if err := msg.Term(); err != nil {
			pf.logger.Warn().Err(err).Msg("term price update")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		pf.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack price update")
	}
}

// Apply parses one message and pushes it to the sink. It reports false
// without error for stale updates.
func (pf *PriceFeed) Apply(subject string, data []byte) (bool, error) {
	upd, err := ParsePriceUpdate(subject, data)
	if err != nil {
		pf.record("rejected")
		return false, err
	}

	key := upd.Asset.Key()
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if last, ok := pf.latest[key]; ok && !upd.PublishedAt.After(last) {
		pf.record("stale")
		return false, nil
	}
	if err := pf.sink.Set(upd.Asset, upd.Price); err != nil {
		pf.record("rejected")
		return false, err
	}
	pf.latest[key] = upd.PublishedAt
	if pf.onApplied != nil {
		pf.onApplied(upd.Asset)
	}

	pf.record("applied")
	pf.logger.Debug().
		Str("asset", key).
		Str("price", upd.Price.String()).
		Time("published_at", upd.PublishedAt).
		Msg("price updated")
	return true, nil
}

func (pf *PriceFeed) record(result string) {
	if pf.metrics != nil {
		pf.metrics.PriceUpdates.WithLabelValues(result).Inc()
	}
}

// Stop stops the consumer.
func (pf *PriceFeed) Stop() {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.consumer != nil {
		pf.consumer.Stop()
		pf.consumer = nil
		pf.logger.Info().Msg("price feed stopped")
	}
}
