package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GridSettle/internal/event"
	"GridSettle/internal/observability"
)

// Store is the durable mirror behind the in-memory cache. Per-row atomicity
// only; a write failure degrades durability, never correctness of the cache.
type Store interface {
	UpsertOrder(ctx context.Context, o *Order) error
	InsertTrade(ctx context.Context, t *Trade) error
}

// maxTradeHistory bounds the in-memory trade window. It only feeds the
// recent-trades API and the price sampler; the full history lives in the
// durable mirror.
const maxTradeHistory = 4096

// Reconciler maintains the local order-book mirror from the three Market
// events. All transitions are commutative/idempotent upserts so handlers can
// run in any order relative to emission; the dispatcher additionally
// serializes events that share an order id.
type Reconciler struct {
	mu        sync.RWMutex
	orders    map[uint64]*Order
	trades    []*Trade
	tradeKeys []string            // dedup keys, parallel to trades
	seen      map[string]struct{} // trade dedup keys

	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewReconciler(store Store, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		orders:  make(map[uint64]*Order),
		seen:    make(map[string]struct{}),
		store:   store,
		log:     observability.NewLogger("market"),
		metrics: metrics,
	}
}

// ApplyOrderPlaced inserts the order if absent as OPEN. A replay with the
// same id after the first insert is a no-op, even when the cached order has
// already reached a terminal state.
func (r *Reconciler) ApplyOrderPlaced(ctx context.Context, e *event.OrderPlaced) error {
	r.mu.Lock()
	if _, exists := r.orders[e.OrderID]; exists {
		r.mu.Unlock()
		r.log.Debug().Uint64("order_id", e.OrderID).Msg("duplicate OrderPlaced ignored")
		return nil
	}

	side := SideAsk
	if e.IsBuy {
		side = SideBid
	}
	o := &Order{
		OrderID:      e.OrderID,
		Owner:        e.Owner,
		ProsumerID:   e.ProsumerID,
		OrderSide:    side,
		AmountKwh:    e.Amount,
		Price:        e.Price,
		Status:       StatusOpen,
		PlacedTxHash: e.Hash,
		PlacedAt:     e.Timestamp,
		UpdatedAt:    e.Timestamp,
	}
	r.orders[e.OrderID] = o
	snapshot := *o
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.OrdersOpen.Inc()
		r.metrics.OrderTransitions.WithLabelValues("NONE", "OPEN").Inc()
	}
	return r.persistOrder(ctx, &snapshot)
}

// ApplyOrderCancelled transitions an OPEN order to CANCELLED. Terminal
// orders are left untouched; an unknown id is logged and ignored, never
// fabricated.
func (r *Reconciler) ApplyOrderCancelled(ctx context.Context, e *event.OrderCancelled) error {
	r.mu.Lock()
	o, exists := r.orders[e.OrderID]
	if !exists {
		r.mu.Unlock()
		r.log.Warn().Uint64("order_id", e.OrderID).Str("tx_hash", e.Hash).
			Msg("OrderCancelled for unknown order, dropped")
		if r.metrics != nil {
			r.metrics.EventsDropped.WithLabelValues(e.EventType().String(), "unknown_order").Inc()
		}
		return nil
	}
	if o.Status.Terminal() {
		r.mu.Unlock()
		r.log.Debug().Uint64("order_id", e.OrderID).Str("status", o.Status.String()).
			Msg("OrderCancelled on terminal order ignored")
		return nil
	}

	// Full-row rewrite rather than a field patch: there are no concurrent
	// partial writers on the mirror, and a whole-row upsert keeps the
	// durable copy byte-identical to the cache.
	o.Status = StatusCancelled
	o.CancelledTxHash = e.Hash
	o.UpdatedAt = e.Timestamp
	snapshot := *o
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.OrdersOpen.Dec()
		r.metrics.OrderTransitions.WithLabelValues("OPEN", "CANCELLED").Inc()
	}
	return r.persistOrder(ctx, &snapshot)
}

// ApplyTradeSettled records the trade (insert-or-ignore by dedup key) and
// marks both sides FILLED. A fill arriving after a stale local CANCELLED
// marker still wins: the chain is authoritative, so the transition is
// applied and the conflict logged for audit.
func (r *Reconciler) ApplyTradeSettled(ctx context.Context, e *event.TradeSettled) error {
	key := e.DedupKey()

	r.mu.Lock()
	if _, dup := r.seen[key]; dup {
		r.mu.Unlock()
		r.log.Debug().Str("dedup_key", key).Msg("duplicate trade ignored")
		return nil
	}
	r.seen[key] = struct{}{}

	t := &Trade{
		TradeID:     uuid.New(),
		BuyOrderID:  e.BuyOrderID,
		SellOrderID: e.SellOrderID,
		Buyer:       e.Buyer,
		Seller:      e.Seller,
		AmountKwh:   e.Amount,
		Price:       e.Price,
		TxHash:      e.Hash,
		TradedAt:    e.Timestamp,
	}
	r.trades = append(r.trades, t)
	r.tradeKeys = append(r.tradeKeys, key)
	if len(r.trades) > maxTradeHistory {
		// Evicting a key re-opens the in-memory dedup window for an ancient
		// replay; the durable insert is conflict-ignored, so the mirror
		// cannot duplicate.
		drop := len(r.trades) - maxTradeHistory
		for _, k := range r.tradeKeys[:drop] {
			delete(r.seen, k)
		}
		r.trades = append(r.trades[:0:0], r.trades[drop:]...)
		r.tradeKeys = append(r.tradeKeys[:0:0], r.tradeKeys[drop:]...)
	}

	filled := make([]*Order, 0, 2)
	for _, id := range []uint64{e.BuyOrderID, e.SellOrderID} {
		if o := r.fillLocked(id, e.Hash, e.Timestamp); o != nil {
			filled = append(filled, o)
		}
	}
	tradeCopy := *t
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TradesRecorded.Inc()
	}

	var firstErr error
	if err := r.persistTrade(ctx, &tradeCopy); err != nil {
		firstErr = err
	}
	for _, o := range filled {
		if err := r.persistOrder(ctx, o); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fillLocked transitions one leg to FILLED and returns a snapshot for
// persistence, or nil if nothing changed. Caller holds r.mu.
func (r *Reconciler) fillLocked(orderID uint64, txHash string, ts time.Time) *Order {
	o, exists := r.orders[orderID]
	if !exists {
		r.log.Warn().Uint64("order_id", orderID).Str("tx_hash", txHash).
			Msg("fill references unknown order")
		return nil
	}

	switch o.Status {
	case StatusFilled:
		return nil
	case StatusCancelled:
		r.log.Warn().Uint64("order_id", orderID).Str("tx_hash", txHash).
			Msg("fill overrides local CANCELLED marker, chain wins")
		if r.metrics != nil {
			r.metrics.OrderConflicts.WithLabelValues("fill_after_cancel").Inc()
			r.metrics.OrderTransitions.WithLabelValues("CANCELLED", "FILLED").Inc()
		}
	default:
		if r.metrics != nil {
			r.metrics.OrdersOpen.Dec()
			r.metrics.OrderTransitions.WithLabelValues("OPEN", "FILLED").Inc()
		}
	}

	o.Status = StatusFilled
	o.FilledTxHash = txHash
	o.UpdatedAt = ts
	snapshot := *o
	return &snapshot
}

func (r *Reconciler) persistOrder(ctx context.Context, o *Order) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpsertOrder(ctx, o); err != nil {
		r.log.Error().Err(err).Uint64("order_id", o.OrderID).Msg("order mirror write failed")
		if r.metrics != nil {
			r.metrics.StoreErrors.WithLabelValues("order").Inc()
		}
		return fmt.Errorf("upsert order %d: %w", o.OrderID, err)
	}
	return nil
}

func (r *Reconciler) persistTrade(ctx context.Context, t *Trade) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.InsertTrade(ctx, t); err != nil {
		r.log.Error().Err(err).Str("tx_hash", t.TxHash).Msg("trade mirror write failed")
		if r.metrics != nil {
			r.metrics.StoreErrors.WithLabelValues("trade").Inc()
		}
		return fmt.Errorf("insert trade %s: %w", t.TxHash, err)
	}
	return nil
}

// --- Read API ---

// Order returns a copy of the cached order.
func (r *Reconciler) Order(orderID uint64) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, exists := r.orders[orderID]
	if !exists {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders returns the OPEN side of the book, bids sorted by descending
// price and asks ascending, like the on-chain book serves them.
func (r *Reconciler) OpenOrders() (bids, asks []Order) {
	r.mu.RLock()
	for _, o := range r.orders {
		if o.Status != StatusOpen {
			continue
		}
		if o.OrderSide == SideBid {
			bids = append(bids, *o)
		} else {
			asks = append(asks, *o)
		}
	}
	r.mu.RUnlock()

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks
}

// RecentTrades returns up to limit trades, newest first.
func (r *Reconciler) RecentTrades(limit int) []Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *r.trades[i])
	}
	return out
}

// LastTradePrice returns the most recent traded price, or false when no
// trade has been observed yet.
func (r *Reconciler) LastTradePrice() (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.trades) == 0 {
		return 0, false
	}
	return r.trades[len(r.trades)-1].Price, true
}

// TradeVolumeSince sums traded kWh with TradedAt >= since. Feeds the price
// sampler's trailing-volume column.
func (r *Reconciler) TradeVolumeSince(since time.Time) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var vol float64
	for i := len(r.trades) - 1; i >= 0; i-- {
		if r.trades[i].TradedAt.Before(since) {
			break
		}
		vol += r.trades[i].AmountKwh
	}
	return vol
}
