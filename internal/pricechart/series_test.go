package pricechart_test

import (
	"testing"
	"time"

	"GridSettle/internal/pricechart"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func candleAt(ts time.Time, price float64) pricechart.Candle {
	return pricechart.SampleCandle(ts, price, 1)
}

// ============================================================================
// Test: Fold
// ============================================================================

func TestFold(t *testing.T) {
	items := []pricechart.Candle{
		{OpenTime: t0, Open: 15.00, High: 15.20, Low: 14.90, Close: 15.10, Volume: 100},
		{OpenTime: t0.Add(time.Second), Open: 15.10, High: 15.50, Low: 15.05, Close: 15.40, Volume: 50},
		{OpenTime: t0.Add(2 * time.Second), Open: 15.40, High: 15.45, Low: 14.80, Close: 14.85, Volume: 25},
	}

	c, ok := pricechart.Fold(t0, items)
	if !ok {
		t.Fatal("fold of non-empty bucket must produce a candle")
	}
	if c.Open != 15.00 {
		t.Errorf("open = %v, want first open 15.00", c.Open)
	}
	if c.Close != 14.85 {
		t.Errorf("close = %v, want last close 14.85", c.Close)
	}
	if c.High != 15.50 {
		t.Errorf("high = %v, want 15.50", c.High)
	}
	if c.Low != 14.80 {
		t.Errorf("low = %v, want 14.80", c.Low)
	}
	if c.Volume != 175 {
		t.Errorf("volume = %v, want 175", c.Volume)
	}
	if !c.OpenTime.Equal(t0) {
		t.Errorf("open time = %v, want %v", c.OpenTime, t0)
	}
}

func TestFold_EmptyBucket(t *testing.T) {
	if _, ok := pricechart.Fold(t0, nil); ok {
		t.Error("empty bucket must not fabricate a candle")
	}
}

func TestFold_SingleSample(t *testing.T) {
	c, ok := pricechart.Fold(t0, []pricechart.Candle{candleAt(t0, 15)})
	if !ok {
		t.Fatal("single-sample fold should succeed")
	}
	if c.Open != 15 || c.High != 15 || c.Low != 15 || c.Close != 15 {
		t.Errorf("degenerate candle mismatch: %+v", c)
	}
}

// A fold of folds equals a fold of the underlying samples: deriving 5m from
// 1m candles gives the same OHLCV as folding the raw 1s samples directly.
func TestFold_Composes(t *testing.T) {
	var samples []pricechart.Candle
	prices := []float64{15.0, 15.8, 14.2, 15.3, 16.1, 14.9, 15.5, 15.0, 14.4, 15.9}
	for i, p := range prices {
		samples = append(samples, candleAt(t0.Add(time.Duration(i)*30*time.Second), p))
	}

	direct, _ := pricechart.Fold(t0, samples)

	var minuteCandles []pricechart.Candle
	for m := 0; m < 5; m++ {
		open := t0.Add(time.Duration(m) * time.Minute)
		var bucket []pricechart.Candle
		for _, s := range samples {
			if !s.OpenTime.Before(open) && s.OpenTime.Before(open.Add(time.Minute)) {
				bucket = append(bucket, s)
			}
		}
		if c, ok := pricechart.Fold(open, bucket); ok {
			minuteCandles = append(minuteCandles, c)
		}
	}
	composed, _ := pricechart.Fold(t0, minuteCandles)

	if direct != composed {
		t.Errorf("fold does not compose:\ndirect   %+v\ncomposed %+v", direct, composed)
	}
}

// ============================================================================
// Test: Series retention
// ============================================================================

func TestSeries_CapEviction(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1s, 5, time.Hour)
	evicted := 0
	for i := 0; i < 8; i++ {
		evicted += s.Append(candleAt(t0.Add(time.Duration(i)*time.Second), 15))
	}

	if s.Len() != 5 {
		t.Fatalf("len = %d, want cap 5", s.Len())
	}
	if evicted != 3 {
		t.Errorf("evicted = %d, want 3", evicted)
	}
	first, last, _ := s.Bounds()
	if !first.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("oldest = %v, want the 3 oldest dropped", first)
	}
	if !last.Equal(t0.Add(7 * time.Second)) {
		t.Errorf("newest = %v", last)
	}
}

func TestSeries_TTLEviction(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1m, 100, 10*time.Minute)
	for i := 0; i < 20; i++ {
		s.Append(candleAt(t0.Add(time.Duration(i)*time.Minute), 15))
	}

	now := t0.Add(20 * time.Minute)
	n := s.EvictExpired(now)
	if n != 10 {
		t.Errorf("evicted = %d, want 10", n)
	}
	first, _, _ := s.Bounds()
	if first.Before(now.Add(-10 * time.Minute)) {
		t.Errorf("expired candle survived: %v", first)
	}
}

func TestSeries_DuplicateOpenTimeKeepsFirst(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1m, 10, time.Hour)
	s.Append(pricechart.Candle{OpenTime: t0, Close: 15})
	s.Append(pricechart.Candle{OpenTime: t0, Close: 99})

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	if got := s.Snapshot(1)[0].Close; got != 15 {
		t.Errorf("close = %v, first write must win", got)
	}
}

func TestSeries_OutOfOrderAppendSorts(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1m, 10, time.Hour)
	s.Append(candleAt(t0.Add(2*time.Minute), 17))
	s.Append(candleAt(t0, 15))
	s.Append(candleAt(t0.Add(time.Minute), 16))

	snap := s.Snapshot(0)
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if !snap[i-1].OpenTime.Before(snap[i].OpenTime) {
			t.Fatalf("series not time-ordered: %v >= %v", snap[i-1].OpenTime, snap[i].OpenTime)
		}
	}
}

func TestSeries_Range(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1s, 100, time.Hour)
	for i := 0; i < 10; i++ {
		s.Append(candleAt(t0.Add(time.Duration(i)*time.Second), 15))
	}

	got := s.Range(t0.Add(3*time.Second), t0.Add(7*time.Second))
	if len(got) != 4 {
		t.Fatalf("range len = %d, want 4 (half-open)", len(got))
	}
	if !got[0].OpenTime.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("first = %v", got[0].OpenTime)
	}
}

func TestSeries_HasAt(t *testing.T) {
	s := pricechart.NewSeries(pricechart.Res1m, 10, time.Hour)
	s.Append(candleAt(t0, 15))

	if !s.HasAt(t0) {
		t.Error("expected HasAt true for existing open time")
	}
	if s.HasAt(t0.Add(time.Minute)) {
		t.Error("expected HasAt false for absent open time")
	}
}
