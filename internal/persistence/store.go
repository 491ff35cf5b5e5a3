package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"GridSettle/internal/market"
	"GridSettle/internal/pricechart"
	"GridSettle/internal/settlement"
)

// Store is the durable mirror behind the in-memory caches. Per-row atomicity
// only; there is no cross-entity transaction requirement. The chain remains
// the single source of truth; no read here ever overrides cache state.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- market.Store ---

// UpsertOrder writes the full order row. Whole-row rewrite on conflict keeps
// the durable copy identical to the cache.
func (s *Store) UpsertOrder(ctx context.Context, o *market.Order) error {
	var prosumerID interface{}
	if o.ProsumerID != "" {
		prosumerID = o.ProsumerID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market.orders
			(order_id, owner_address, prosumer_id, side, amount_kwh, price,
			 status, placed_tx_hash, filled_tx_hash, cancelled_tx_hash, placed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			status            = EXCLUDED.status,
			filled_tx_hash    = EXCLUDED.filled_tx_hash,
			cancelled_tx_hash = EXCLUDED.cancelled_tx_hash,
			updated_at        = EXCLUDED.updated_at
	`, o.OrderID, o.Owner, prosumerID, o.OrderSide.String(), o.AmountKwh, o.Price,
		o.Status.String(), o.PlacedTxHash, o.FilledTxHash, o.CancelledTxHash,
		o.PlacedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// InsertTrade inserts the trade row, ignoring re-delivery of the same
// (buy, sell, tx hash) triple.
func (s *Store) InsertTrade(ctx context.Context, t *market.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market.trades
			(trade_id, buy_order_id, sell_order_id, buyer, seller, amount_kwh, price, tx_hash, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (buy_order_id, sell_order_id, tx_hash) DO NOTHING
	`, t.TradeID, t.BuyOrderID, t.SellOrderID, t.Buyer, t.Seller,
		t.AmountKwh, t.Price, t.TxHash, t.TradedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// --- settlement.Store ---

func (s *Store) InsertSettlement(ctx context.Context, row *settlement.Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.settlements
			(settlement_id, meter_id, period_start, period_end,
			 export_wh, import_wh, net_wh, net_kwh, token_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, row.SettlementID, row.MeterID, row.PeriodStart, row.PeriodEnd,
		row.ExportWh, row.ImportWh, row.NetWh, row.NetKwh,
		row.TokenAmount, row.Status.String(), row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *Store) SetSettlementTx(ctx context.Context, id uuid.UUID, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement.settlements SET tx_hash = $2
		WHERE settlement_id = $1 AND status = 'PENDING'
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("set settlement tx: %w", err)
	}
	return nil
}

// MarkSettlementTerminal applies the terminal transition. The WHERE guard on
// PENDING makes the write idempotent: a row already terminal is untouched.
func (s *Store) MarkSettlementTerminal(ctx context.Context, id uuid.UUID, status settlement.Status, tokenAmount int64, confirmedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement.settlements
		SET status = $2, token_amount = $3, confirmed_at = $4
		WHERE settlement_id = $1 AND status = 'PENDING'
	`, id, status.String(), tokenAmount, confirmedAt)
	if err != nil {
		return fmt.Errorf("mark settlement terminal: %w", err)
	}
	return nil
}

func (s *Store) PendingSettlements(ctx context.Context) ([]*settlement.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT settlement_id, meter_id, period_start, period_end,
		       export_wh, import_wh, net_wh, net_kwh, token_amount,
		       COALESCE(tx_hash, ''), created_at
		FROM settlement.settlements
		WHERE status = 'PENDING'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	defer rows.Close()

	var out []*settlement.Settlement
	for rows.Next() {
		row := &settlement.Settlement{Status: settlement.StatusPending}
		if err := rows.Scan(
			&row.SettlementID, &row.MeterID, &row.PeriodStart, &row.PeriodEnd,
			&row.ExportWh, &row.ImportWh, &row.NetWh, &row.NetKwh,
			&row.TokenAmount, &row.TxHash, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// --- settlement.MeterRegistry ---

func (s *Store) Meters(ctx context.Context) ([]settlement.Meter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.meter_id, m.meter_wallet, p.wallet_address, m.last_settled_at
		FROM grid.meters m
		JOIN grid.prosumers p ON p.prosumer_id = m.prosumer_id
		ORDER BY m.meter_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query meters: %w", err)
	}
	defer rows.Close()

	var out []settlement.Meter
	for rows.Next() {
		var m settlement.Meter
		if err := rows.Scan(&m.MeterID, &m.MeterWallet, &m.OwnerWallet, &m.LastSettledAt); err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetLastSettled(ctx context.Context, meterID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE grid.meters SET last_settled_at = $2 WHERE meter_id = $1
	`, meterID, at)
	if err != nil {
		return fmt.Errorf("set last settled: %w", err)
	}
	return nil
}

// --- pricechart.CandleStore ---

func (s *Store) UpsertCandle(ctx context.Context, resolution string, c pricechart.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market.candles (resolution, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resolution, open_time) DO NOTHING
	`, resolution, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

func (s *Store) LoadCandles(ctx context.Context, resolution string, since time.Time) ([]pricechart.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM market.candles
		WHERE resolution = $1 AND open_time >= $2
		ORDER BY open_time
	`, resolution, since)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []pricechart.Candle
	for rows.Next() {
		var c pricechart.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
