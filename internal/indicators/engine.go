// Package indicators maintains per-bar EMA and ATR series for every tracked
// (ticker, interval, span) pair.
package indicators

import (
	"context"
	"log"
	"math"
	"time"

	"rebound-trader/pkg/db"
)

// Pair is one (interval, span) series to maintain.
type Pair struct {
	Interval db.Interval
	Span     int
}

// Engine recomputes indicator series incrementally. The 5m tier is refreshed
// on every pass; slower tiers only once their bar width has elapsed since the
// previous refresh.
type Engine struct {
	store     *db.Database
	pairs     []Pair
	atrPeriod int

	lastRun map[db.Interval]time.Time
	now     func() time.Time
}

// New builds an engine over the given span set.
func New(store *db.Database, pairs []Pair, atrPeriod int) *Engine {
	return &Engine{
		store:     store,
		pairs:     pairs,
		atrPeriod: atrPeriod,
		lastRun:   make(map[db.Interval]time.Time),
		now:       time.Now,
	}
}

// ComputeSeries derives EMA and ATR points over chronologically ordered bars.
//
// EMA is seeded with the first close and then follows the standard recursion
// with alpha = 2/(span+1). True range uses the previous close when one
// exists; ATR is the rolling mean of the last atrPeriod true ranges and
// stays zero until that many bars have been seen.
func ComputeSeries(candles []db.Candle, span, atrPeriod int) []db.IndicatorPoint {
	if len(candles) == 0 {
		return nil
	}

	alpha := 2.0 / (float64(span) + 1)
	out := make([]db.IndicatorPoint, 0, len(candles))

	ema := candles[0].Close
	trs := make([]float64, 0, len(candles))

	for i, c := range candles {
		if i > 0 {
			ema = alpha*c.Close + (1-alpha)*ema
		}

		tr := c.High - c.Low
		if i > 0 {
			prevClose := candles[i-1].Close
			tr = math.Max(tr, math.Max(
				math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		}
		trs = append(trs, tr)

		atr := 0.0
		if len(trs) >= atrPeriod {
			sum := 0.0
			for _, v := range trs[len(trs)-atrPeriod:] {
				sum += v
			}
			atr = sum / float64(atrPeriod)
		}

		out = append(out, db.IndicatorPoint{
			TickerID:  c.TickerID,
			Interval:  c.Interval,
			Span:      span,
			Timestamp: c.Timestamp,
			EMA:       ema,
			ATR:       atr,
		})
	}
	return out
}

// Update refreshes every due series. A failure on one ticker is logged and
// the remaining tickers still run.
func (e *Engine) Update(ctx context.Context) error {
	tickers, err := e.store.TradableTickers(ctx)
	if err != nil {
		return err
	}

	due := e.dueIntervals()
	for _, pair := range e.pairs {
		if !due[pair.Interval] {
			continue
		}

		cold := make(map[int64]bool)
		coldIDs, err := e.store.TickersMissingIndicators(ctx, pair.Interval, pair.Span)
		if err != nil {
			return err
		}
		for _, id := range coldIDs {
			cold[id] = true
		}

		for _, t := range tickers {
			if err := e.updateOne(ctx, t.ID, pair, cold[t.ID]); err != nil {
				log.Printf("indicators: ticker %d %s span %d: %v", t.ID, pair.Interval, pair.Span, err)
			}
		}
	}

	for interval := range due {
		e.lastRun[interval] = e.now()
	}
	return nil
}

// updateOne recomputes one (ticker, interval, span) series. Cold start walks
// the full history; steady state re-derives over the trailing 2x span bars,
// which is enough for the EMA tail to converge to the exact recursion.
func (e *Engine) updateOne(ctx context.Context, tickerID int64, pair Pair, coldStart bool) error {
	var candles []db.Candle
	var err error
	if coldStart {
		candles, err = e.store.CandlesAscending(ctx, tickerID, pair.Interval)
	} else {
		candles, err = e.store.RecentCandles(ctx, tickerID, pair.Interval, 2*pair.Span)
	}
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	points := ComputeSeries(candles, pair.Span, e.atrPeriod)

	latest, err := e.store.LatestIndicator(ctx, tickerID, pair.Interval, pair.Span)
	if err != nil {
		return err
	}
	if latest != nil {
		fresh := points[:0]
		for _, p := range points {
			if p.Timestamp.After(latest.Timestamp) {
				fresh = append(fresh, p)
			}
		}
		points = fresh
	}

	return e.store.BulkInsertIndicators(ctx, points)
}

// dueIntervals reports which tiers should refresh this pass.
func (e *Engine) dueIntervals() map[db.Interval]bool {
	now := e.now()
	due := make(map[db.Interval]bool)
	for _, pair := range e.pairs {
		if pair.Interval == db.Interval5Min {
			due[pair.Interval] = true
			continue
		}
		last, ok := e.lastRun[pair.Interval]
		if !ok || now.Sub(last) >= pair.Interval.Duration() {
			due[pair.Interval] = true
		}
	}
	return due
}
