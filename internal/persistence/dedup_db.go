package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresDedupChecker is the cold tier of event deduplication: the listener
// consults it when its in-memory LRU misses.
type PostgresDedupChecker struct {
	db *sql.DB
}

func NewPostgresDedupChecker(db *sql.DB) *PostgresDedupChecker {
	return &PostgresDedupChecker{db: db}
}

// IsDuplicate checks whether the event was already processed.
func (c *PostgresDedupChecker) IsDuplicate(eventType string, dedupKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM ingest.processed_events
		WHERE event_type = $1 AND dedup_key = $2
		LIMIT 1
	`, eventType, dedupKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records a processed event. Key conflicts are ignored; the
// row is only ever inserted once.
func (c *PostgresDedupChecker) MarkProcessed(ctx context.Context, eventType, dedupKey, txHash string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ingest.processed_events (event_type, dedup_key, tx_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_type, dedup_key) DO NOTHING
	`, eventType, dedupKey, txHash)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// RecentKeys loads the newest composite keys ("type:key") for LRU warm-up
// on restart, so recently processed events skip the cold path.
func (c *PostgresDedupChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_type || ':' || dedup_key
		FROM ingest.processed_events
		ORDER BY processed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
