package pricechart

import (
	"sync"
	"time"
)

// Series is one bounded, time-ordered candle series. Two independent
// retention rules apply: a fixed element cap (oldest evicted on overflow)
// and a TTL (finer resolutions expire sooner).
type Series struct {
	mu      sync.Mutex
	res     Resolution
	maxSize int
	ttl     time.Duration
	candles []Candle
}

func NewSeries(res Resolution, maxSize int, ttl time.Duration) *Series {
	return &Series{
		res:     res,
		maxSize: maxSize,
		ttl:     ttl,
		candles: make([]Candle, 0, maxSize),
	}
}

// Resolution returns the series' resolution.
func (s *Series) Resolution() Resolution { return s.res }

// Append adds a candle, keeping time order and the size cap. Returns the
// number of entries evicted by the cap.
func (s *Series) Append(c Candle) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Out-of-order appends during backfill: insert sorted. The live path
	// always appends at the tail.
	n := len(s.candles)
	if n > 0 && !s.candles[n-1].OpenTime.Before(c.OpenTime) {
		i := n
		for i > 0 && s.candles[i-1].OpenTime.After(c.OpenTime) {
			i--
		}
		if i > 0 && s.candles[i-1].OpenTime.Equal(c.OpenTime) {
			return 0 // exact-timestamp duplicate, keep the first write
		}
		s.candles = append(s.candles, Candle{})
		copy(s.candles[i+1:], s.candles[i:])
		s.candles[i] = c
	} else {
		s.candles = append(s.candles, c)
	}

	evicted := 0
	for len(s.candles) > s.maxSize {
		s.candles = s.candles[1:]
		evicted++
	}
	return evicted
}

// HasAt reports whether a candle with exactly this open time exists. The
// backfill checks this before writing to avoid double counting.
func (s *Series) HasAt(openTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.candles) - 1; i >= 0; i-- {
		if s.candles[i].OpenTime.Equal(openTime) {
			return true
		}
		if s.candles[i].OpenTime.Before(openTime) {
			return false
		}
	}
	return false
}

// Range returns a copy of candles with openTime in [from, to). The snapshot
// is taken under the lock; aggregation happens outside it so appends are
// never blocked for long.
func (s *Series) Range(from, to time.Time) []Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Candle, 0)
	for _, c := range s.candles {
		if c.OpenTime.Before(from) {
			continue
		}
		if !c.OpenTime.Before(to) {
			break
		}
		out = append(out, c)
	}
	return out
}

// Snapshot returns up to limit most recent candles, oldest first.
func (s *Series) Snapshot(limit int) []Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Candle, limit)
	copy(out, s.candles[n-limit:])
	return out
}

// Len returns the current element count.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles)
}

// Bounds returns the open time of the first and last candle. ok is false
// for an empty series.
func (s *Series) Bounds() (first, last time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candles) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.candles[0].OpenTime, s.candles[len(s.candles)-1].OpenTime, true
}

// EvictExpired removes candles older than the TTL relative to now and
// returns the number removed.
func (s *Series) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.ttl)
	i := 0
	for i < len(s.candles) && s.candles[i].OpenTime.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.candles = append(s.candles[:0], s.candles[i:]...)
	}
	return i
}
