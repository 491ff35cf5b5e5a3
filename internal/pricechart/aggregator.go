package pricechart

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"GridSettle/internal/observability"
)

// PriceSource feeds the per-second sampler. The order cache implements it.
type PriceSource interface {
	LastTradePrice() (float64, bool)
	TradeVolumeSince(since time.Time) float64
}

// CandleStore is the durable mirror for derived candles (1s samples are not
// persisted; they are cheap to rebuild from the trade stream).
type CandleStore interface {
	UpsertCandle(ctx context.Context, resolution string, c Candle) error
	LoadCandles(ctx context.Context, resolution string, since time.Time) ([]Candle, error)
}

// SeriesLimits configures cap and TTL per resolution.
type SeriesLimits struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultLimits keeps each series bounded: finer resolutions hold less
// history and expire sooner.
func DefaultLimits() map[Resolution]SeriesLimits {
	return map[Resolution]SeriesLimits{
		Res1s: {MaxSize: 3_600, TTL: time.Hour},
		Res1m: {MaxSize: 1_440, TTL: 24 * time.Hour},
		Res5m: {MaxSize: 2_016, TTL: 7 * 24 * time.Hour},
		Res1h: {MaxSize: 720, TTL: 30 * 24 * time.Hour},
	}
}

// Aggregator builds the multi-resolution OHLC series. A per-second sampler
// appends {last trade price, trailing-1-minute volume} to the finest series;
// at each resolution boundary a fold derives the just-closed bucket of the
// immediately finer series into one candle.
type Aggregator struct {
	source PriceSource
	store  CandleStore
	series map[Resolution]*Series

	// open time of the last bucket folded, per derived resolution
	lastFolded map[Resolution]time.Time

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewAggregator(source PriceSource, store CandleStore, limits map[Resolution]SeriesLimits, metrics *observability.Metrics) *Aggregator {
	if limits == nil {
		limits = DefaultLimits()
	}
	series := make(map[Resolution]*Series, len(Resolutions))
	for _, res := range Resolutions {
		l := limits[res]
		series[res] = NewSeries(res, l.MaxSize, l.TTL)
	}
	return &Aggregator{
		source:     source,
		store:      store,
		series:     series,
		lastFolded: make(map[Resolution]time.Time),
		log:        observability.NewLogger("pricechart"),
		metrics:    metrics,
	}
}

// Series exposes one resolution's series for reads.
func (a *Aggregator) Series(res Resolution) *Series {
	return a.series[res]
}

// Candles returns up to limit most recent candles at a resolution.
func (a *Aggregator) Candles(res Resolution, limit int) []Candle {
	return a.series[res].Snapshot(limit)
}

// Run drives the sampler, the folds and TTL eviction until ctx is
// cancelled. Folds run off the same per-second timer: whichever boundary
// the tick crossed gets folded from the series the previous pass closed.
func (a *Aggregator) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	evict := time.NewTicker(time.Minute)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			a.Sample(now.UTC())
			a.FoldDue(ctx, now.UTC())
		case now := <-evict.C:
			a.evictExpired(now.UTC())
		}
	}
}

// Sample appends one per-second point to the finest series. No trade yet
// means no price, so nothing is appended.
func (a *Aggregator) Sample(now time.Time) {
	price, ok := a.source.LastTradePrice()
	if !ok {
		return
	}
	ts := now.Truncate(time.Second)
	volume := a.source.TradeVolumeSince(now.Add(-time.Minute))

	evicted := a.series[Res1s].Append(SampleCandle(ts, price, volume))
	if a.metrics != nil {
		a.metrics.SamplesTaken.Inc()
		if evicted > 0 {
			a.metrics.SeriesEvicted.WithLabelValues(Res1s.String(), "cap").Add(float64(evicted))
		}
	}
}

// FoldDue folds every derived resolution whose boundary the clock has
// crossed since the last fold. A tick arriving late, after a stall of
// several widths, folds every bucket closed in between, not just the most
// recent one.
func (a *Aggregator) FoldDue(ctx context.Context, now time.Time) {
	for _, res := range Resolutions {
		finer, derived := res.Finer()
		if !derived {
			continue
		}

		// The bucket that just closed at the current boundary.
		width := res.Duration()
		closed := now.Truncate(width).Add(-width)
		last, folded := a.lastFolded[res]
		if folded && !closed.After(last) {
			continue
		}

		open := closed
		if folded {
			open = last.Add(width)
		}
		for ; !open.After(closed); open = open.Add(width) {
			a.foldBucket(ctx, res, finer, open)
		}
		a.lastFolded[res] = closed
	}
}

// foldBucket derives one candle for the bucket starting at openTime.
// An empty bucket produces no candle; an already-present open time is left
// untouched so backfill and live folds cannot double count.
func (a *Aggregator) foldBucket(ctx context.Context, res, finer Resolution, openTime time.Time) {
	if a.series[res].HasAt(openTime) {
		return
	}

	items := a.series[finer].Range(openTime, openTime.Add(res.Duration()))
	candle, ok := Fold(openTime, items)
	if !ok {
		return
	}

	evicted := a.series[res].Append(candle)
	if a.metrics != nil {
		a.metrics.CandlesFolded.WithLabelValues(res.String()).Inc()
		if evicted > 0 {
			a.metrics.SeriesEvicted.WithLabelValues(res.String(), "cap").Add(float64(evicted))
		}
	}

	if a.store != nil {
		if err := a.store.UpsertCandle(ctx, res.String(), candle); err != nil {
			a.log.Warn().Err(err).Str("resolution", res.String()).
				Time("open_time", openTime).Msg("candle mirror write failed")
			if a.metrics != nil {
				a.metrics.StoreErrors.WithLabelValues("candle").Inc()
			}
		}
	}
}

// Backfill reloads persisted candles and then walks already-present finer
// data to materialize coarser candles that were missed while the process
// was down.
func (a *Aggregator) Backfill(ctx context.Context) error {
	now := time.Now().UTC()

	if a.store != nil {
		for _, res := range Resolutions {
			if res == Res1s {
				continue // samples are not persisted
			}
			since := now.Add(-a.series[res].ttl)
			candles, err := a.store.LoadCandles(ctx, res.String(), since)
			if err != nil {
				return err
			}
			for _, c := range candles {
				a.series[res].Append(c)
			}
			if len(candles) > 0 {
				a.log.Info().Str("resolution", res.String()).Int("count", len(candles)).
					Msg("candles reloaded")
			}
		}
	}

	// Derive missing coarser buckets from whatever finer data exists,
	// finest-first so each pass can feed the next.
	for _, res := range Resolutions {
		finer, derived := res.Finer()
		if !derived {
			continue
		}
		first, last, ok := a.series[finer].Bounds()
		if !ok {
			continue
		}

		width := res.Duration()
		start := first.Truncate(width)
		// Only complete buckets: the bucket containing `last` is still open.
		end := last.Truncate(width)
		for open := start; open.Before(end); open = open.Add(width) {
			a.foldBucket(ctx, res, finer, open)
		}
	}
	return nil
}

func (a *Aggregator) evictExpired(now time.Time) {
	for _, res := range Resolutions {
		if n := a.series[res].EvictExpired(now); n > 0 && a.metrics != nil {
			a.metrics.SeriesEvicted.WithLabelValues(res.String(), "ttl").Add(float64(n))
		}
	}
}
