package pricechart

import "time"

// Resolution identifies one candle series.
type Resolution int32

const (
	Res1s Resolution = iota
	Res1m
	Res5m
	Res1h
)

func (r Resolution) String() string {
	switch r {
	case Res1m:
		return "1m"
	case Res5m:
		return "5m"
	case Res1h:
		return "1h"
	default:
		return "1s"
	}
}

// Duration returns the bucket width of the resolution.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Res1m:
		return time.Minute
	case Res5m:
		return 5 * time.Minute
	case Res1h:
		return time.Hour
	default:
		return time.Second
	}
}

// Finer returns the next-finer resolution that this one folds from, and
// false for the finest series.
func (r Resolution) Finer() (Resolution, bool) {
	switch r {
	case Res1m:
		return Res1s, true
	case Res5m:
		return Res1m, true
	case Res1h:
		return Res5m, true
	default:
		return Res1s, false
	}
}

// Resolutions lists all series, finest first. Fold order matters: a coarser
// fold reads the finer series the same pass just closed.
var Resolutions = []Resolution{Res1s, Res1m, Res5m, Res1h}

// Candle is one OHLCV bucket. The finest series stores per-second samples as
// degenerate candles (open=high=low=close=price), which lets one fold
// routine serve every resolution.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// SampleCandle wraps one price sample into a degenerate candle.
func SampleCandle(ts time.Time, price, volume float64) Candle {
	return Candle{
		OpenTime: ts,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   volume,
	}
}

// Fold derives one candle from the time-ordered candles of a just-closed
// finer bucket: open=first, close=last, high=max, low=min, volume=sum.
// Returns false for an empty bucket: no candle is fabricated.
func Fold(openTime time.Time, items []Candle) (Candle, bool) {
	if len(items) == 0 {
		return Candle{}, false
	}

	out := Candle{
		OpenTime: openTime,
		Open:     items[0].Open,
		Close:    items[len(items)-1].Close,
		High:     items[0].High,
		Low:      items[0].Low,
	}
	for _, c := range items {
		if c.High > out.High {
			out.High = c.High
		}
		if c.Low < out.Low {
			out.Low = c.Low
		}
		out.Volume += c.Volume
	}
	return out, true
}
