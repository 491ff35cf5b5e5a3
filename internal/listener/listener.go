package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"GridSettle/internal/event"
	"GridSettle/internal/observability"
)

// LogSource is the subset of the chain client the listener uses.
type LogSource interface {
	SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, fromBlock uint64) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// MarketHandler consumes the three Market events.
type MarketHandler interface {
	ApplyOrderPlaced(ctx context.Context, e *event.OrderPlaced) error
	ApplyOrderCancelled(ctx context.Context, e *event.OrderCancelled) error
	ApplyTradeSettled(ctx context.Context, e *event.TradeSettled) error
}

// SettlementHandler consumes converter confirmations.
type SettlementHandler interface {
	HandleSettlementProcessed(ctx context.Context, e *event.SettlementProcessed) error
}

// ProcessedMarker durably records a handled event for cold-tier dedup.
type ProcessedMarker interface {
	MarkProcessed(ctx context.Context, eventType, dedupKey, txHash string) error
}

// Listener subscribes to Market and EnergyConverter logs, decodes them and
// fans them out to per-key workers. No handler error ever halts the stream;
// anomalies surface through logs and metrics only.
type Listener struct {
	source     LogSource
	decoder    *Decoder
	deduper    *Deduper
	dispatcher *Dispatcher
	marker     ProcessedMarker

	market     MarketHandler
	settlement SettlementHandler

	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewListener(
	source LogSource,
	decoder *Decoder,
	deduper *Deduper,
	dispatcher *Dispatcher,
	marker ProcessedMarker,
	market MarketHandler,
	settlement SettlementHandler,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *Listener {
	return &Listener{
		source:     source,
		decoder:    decoder,
		deduper:    deduper,
		dispatcher: dispatcher,
		marker:     marker,
		market:     market,
		settlement: settlement,
		health:     health,
		log:        observability.NewLogger("listener"),
		metrics:    metrics,
	}
}

// Backfill replays historical logs through the normal processing path before
// the live subscription starts. Handlers are idempotent, so overlap between
// the replayed window and live delivery is harmless.
func (l *Listener) Backfill(ctx context.Context, lookbackBlocks uint64) error {
	head, err := l.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("backfill head: %w", err)
	}

	var from uint64
	if head > lookbackBlocks {
		from = head - lookbackBlocks
	}

	logs, err := l.source.FilterLogs(ctx, from)
	if err != nil {
		return fmt.Errorf("backfill filter: %w", err)
	}

	for _, lg := range logs {
		l.process(ctx, lg)
	}
	l.log.Info().Uint64("from_block", from).Int("logs", len(logs)).Msg("backfill complete")
	return nil
}

// Run subscribes and processes logs until ctx is cancelled, reconnecting
// with backoff on provider drops. A drop degrades the chain health gate
// instead of crashing the process.
func (l *Listener) Run(ctx context.Context) error {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if l.health != nil {
			l.health.SetGate("chain", false)
		}
		if l.metrics != nil {
			l.metrics.ChainConnected.Set(0)
			l.metrics.SubscriberRestarts.Inc()
		}
		l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("log subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	logs := make(chan types.Log, 256)
	sub, err := l.source.SubscribeLogs(ctx, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if l.health != nil {
		l.health.SetGate("chain", true)
	}
	if l.metrics != nil {
		l.metrics.ChainConnected.Set(1)
	}
	l.log.Info().Msg("log subscription live")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			l.process(ctx, lg)
		}
	}
}

// process runs the decode stage inline and hands the typed event to the
// shard owning its key. The event is marked processed, hot tier and cold,
// only after its handler succeeds: a failed apply stays eligible for
// redelivery.
func (l *Listener) process(ctx context.Context, lg types.Log) {
	ev := l.decoder.Decode(ctx, lg)
	if ev == nil {
		return
	}

	eventType := ev.EventType().String()
	dedupKey := ev.DedupKey()
	if l.deduper != nil && l.deduper.IsDuplicate(eventType, dedupKey) {
		return
	}

	l.dispatcher.Submit(ctx, l.shardKey(ev), func(ctx context.Context) {
		start := time.Now()
		err := l.handle(ctx, ev)
		if l.metrics != nil {
			l.metrics.HandlerDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			l.log.Error().Err(err).Str("event", eventType).Str("tx_hash", ev.TxHash()).
				Msg("handler failed, awaiting redelivery")
			return
		}
		if l.deduper != nil {
			l.deduper.MarkProcessed(eventType, dedupKey)
		}
		if l.marker != nil {
			if err := l.marker.MarkProcessed(ctx, eventType, dedupKey, ev.TxHash()); err != nil {
				l.log.Warn().Err(err).Str("event", eventType).Msg("processed-event record failed")
			}
		}
	})
}

// shardKey picks the serialization key: order events by order id, trades and
// confirmations by tx hash.
func (l *Listener) shardKey(ev event.Event) string {
	switch e := ev.(type) {
	case *event.OrderPlaced:
		return fmt.Sprintf("order:%d", e.OrderID)
	case *event.OrderCancelled:
		return fmt.Sprintf("order:%d", e.OrderID)
	default:
		return ev.TxHash()
	}
}

func (l *Listener) handle(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case *event.OrderPlaced:
		return l.market.ApplyOrderPlaced(ctx, e)
	case *event.OrderCancelled:
		return l.market.ApplyOrderCancelled(ctx, e)
	case *event.TradeSettled:
		return l.market.ApplyTradeSettled(ctx, e)
	case *event.SettlementProcessed:
		return l.settlement.HandleSettlementProcessed(ctx, e)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}
