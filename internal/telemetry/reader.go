package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reader aggregates metered energy from the readings mirror. Readings land
// there through the device ingestion pipeline, which is outside this
// service; the settlement engine only ever reads sums.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// AggregatedNetEnergy sums export and import Wh recorded after since.
func (r *Reader) AggregatedNetEnergy(ctx context.Context, meterID uuid.UUID, since time.Time) (exportWh, importWh int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(export_wh), 0), COALESCE(SUM(import_wh), 0)
		FROM grid.meter_readings
		WHERE meter_id = $1 AND recorded_at > $2
	`, meterID, since).Scan(&exportWh, &importWh)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate readings for %s: %w", meterID, err)
	}
	return exportWh, importWh, nil
}

// RecordReading inserts one meter sample. Exists for tooling and tests; the
// production writer is the device pipeline.
func (r *Reader) RecordReading(ctx context.Context, meterID uuid.UUID, at time.Time, exportWh, importWh int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grid.meter_readings (meter_id, recorded_at, export_wh, import_wh)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (meter_id, recorded_at) DO NOTHING
	`, meterID, at, exportWh, importWh)
	if err != nil {
		return fmt.Errorf("record reading: %w", err)
	}
	return nil
}
