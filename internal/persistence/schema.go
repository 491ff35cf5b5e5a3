package persistence

// Migration is one versioned schema step. Migrations are embedded rather
// than shipped as loose files so the binary is self-contained.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrations returns all schema steps in apply order.
func Migrations() []Migration {
	return []Migration{
		{Version: "000001", Name: "market_mirror", SQL: marketMirrorSQL},
		{Version: "000002", Name: "settlements", SQL: settlementsSQL},
		{Version: "000003", Name: "grid_registry", SQL: gridRegistrySQL},
		{Version: "000004", Name: "candles", SQL: candlesSQL},
		{Version: "000005", Name: "processed_events", SQL: processedEventsSQL},
	}
}

const marketMirrorSQL = `
CREATE SCHEMA IF NOT EXISTS market;

CREATE TABLE IF NOT EXISTS market.orders (
	order_id          BIGINT PRIMARY KEY,
	owner_address     TEXT NOT NULL,
	prosumer_id       UUID,
	side              TEXT NOT NULL,
	amount_kwh        DOUBLE PRECISION NOT NULL,
	price             DOUBLE PRECISION NOT NULL,
	status            TEXT NOT NULL DEFAULT 'OPEN',
	placed_tx_hash    TEXT NOT NULL,
	filled_tx_hash    TEXT,
	cancelled_tx_hash TEXT,
	placed_at         TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_owner  ON market.orders(owner_address);
CREATE INDEX IF NOT EXISTS idx_orders_status ON market.orders(status);

CREATE TABLE IF NOT EXISTS market.trades (
	trade_id      UUID NOT NULL,
	buy_order_id  BIGINT NOT NULL,
	sell_order_id BIGINT NOT NULL,
	buyer         TEXT NOT NULL,
	seller        TEXT NOT NULL,
	amount_kwh    DOUBLE PRECISION NOT NULL,
	price         DOUBLE PRECISION NOT NULL,
	tx_hash       TEXT NOT NULL,
	traded_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (buy_order_id, sell_order_id, tx_hash)
);

CREATE INDEX IF NOT EXISTS idx_trades_traded_at ON market.trades(traded_at);
`

const settlementsSQL = `
CREATE SCHEMA IF NOT EXISTS settlement;

CREATE TABLE IF NOT EXISTS settlement.settlements (
	settlement_id UUID PRIMARY KEY,
	meter_id      UUID NOT NULL,
	period_start  TIMESTAMPTZ NOT NULL,
	period_end    TIMESTAMPTZ NOT NULL,
	export_wh     BIGINT NOT NULL,
	import_wh     BIGINT NOT NULL,
	net_wh        BIGINT NOT NULL,
	net_kwh       BIGINT NOT NULL,
	token_amount  BIGINT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'PENDING',
	tx_hash       TEXT,
	confirmed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settlements_meter   ON settlement.settlements(meter_id);
CREATE INDEX IF NOT EXISTS idx_settlements_status  ON settlement.settlements(status);
CREATE INDEX IF NOT EXISTS idx_settlements_tx_hash ON settlement.settlements(tx_hash);
`

const gridRegistrySQL = `
CREATE SCHEMA IF NOT EXISTS grid;

CREATE TABLE IF NOT EXISTS grid.prosumers (
	prosumer_id    UUID PRIMARY KEY,
	wallet_address TEXT NOT NULL UNIQUE,
	signer_key     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS grid.meters (
	meter_id        UUID PRIMARY KEY,
	meter_wallet    TEXT NOT NULL UNIQUE,
	prosumer_id     UUID NOT NULL REFERENCES grid.prosumers(prosumer_id),
	last_settled_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);

CREATE TABLE IF NOT EXISTS grid.meter_readings (
	meter_id    UUID NOT NULL REFERENCES grid.meters(meter_id),
	recorded_at TIMESTAMPTZ NOT NULL,
	export_wh   BIGINT NOT NULL DEFAULT 0,
	import_wh   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (meter_id, recorded_at)
);
`

const candlesSQL = `
CREATE TABLE IF NOT EXISTS market.candles (
	resolution TEXT NOT NULL,
	open_time  TIMESTAMPTZ NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (resolution, open_time)
);
`

const processedEventsSQL = `
CREATE SCHEMA IF NOT EXISTS ingest;

CREATE TABLE IF NOT EXISTS ingest.processed_events (
	event_type   TEXT NOT NULL,
	dedup_key    TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (event_type, dedup_key)
);

CREATE INDEX IF NOT EXISTS idx_processed_events_at ON ingest.processed_events(processed_at);
`
