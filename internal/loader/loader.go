// Package loader keeps the candle store current for every tradable ticker
// across the four interval tiers, backfilling history for new tickers and
// catching up incrementally afterwards.
package loader

import (
	"context"
	"log"
	"time"

	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

// Tier staleness thresholds and backfill horizons.
const (
	intradayBackfill = 4 * 7 * 24 * time.Hour // 5m/15m history for a new ticker
	dailyBackfill    = 365 * 24 * time.Hour

	intradayGapLimit = 24 * time.Hour     // re-chunk threshold for 5m/15m
	hourlyGapLimit   = 7 * 24 * time.Hour // re-chunk threshold for hourly
)

// MarketData is the slice of the invest client the loader consumes.
type MarketData interface {
	FindInstrument(ctx context.Context, query string) ([]invest.InstrumentShort, error)
	ShareByFIGI(ctx context.Context, figi string) (*invest.Share, error)
	GetCandles(ctx context.Context, figi string, from, to time.Time, interval string) ([]invest.HistoricCandle, error)
}

// Loader runs the ingestion pass.
type Loader struct {
	store  *db.Database
	client MarketData

	deepHourHorizon time.Duration // hourly history for a new ticker
	floor           time.Duration // fallback when a ticker has no stored bars

	lastRun map[db.Interval]time.Time
	now     func() time.Time
}

// New builds a loader. deepHourDays is the hourly backfill horizon for new
// tickers; floor bounds how far back catch-up reaches when nothing is stored.
func New(store *db.Database, client MarketData, deepHourDays int, floor time.Duration) *Loader {
	return &Loader{
		store:           store,
		client:          client,
		deepHourHorizon: time.Duration(deepHourDays) * 24 * time.Hour,
		floor:           floor,
		lastRun:         make(map[db.Interval]time.Time),
		now:             time.Now,
	}
}

// Run performs one ingestion pass: resolve pending instruments, then update
// every tradable ticker across the due tiers. A failed ticker or window is
// logged and the pass continues.
func (l *Loader) Run(ctx context.Context) error {
	l.resolveInstruments(ctx)

	tickers, err := l.store.TradableTickers(ctx)
	if err != nil {
		return err
	}

	now := l.now().UTC()
	due := l.dueTiers(now)

	for _, ticker := range tickers {
		for _, interval := range due {
			if err := l.updateTicker(ctx, ticker, interval, now); err != nil {
				log.Printf("loader: %s %s: %v", ticker.Name, interval, err)
			}
		}
	}

	for _, interval := range due {
		l.lastRun[interval] = now
	}
	return nil
}

// resolveInstruments fills in broker identity for tickers that only have a
// name. A query matching anything but exactly one instrument is rejected.
func (l *Loader) resolveInstruments(ctx context.Context) {
	pending, err := l.store.TickersMissingInstrument(ctx)
	if err != nil {
		log.Printf("loader: pending tickers: %v", err)
		return
	}
	for _, ticker := range pending {
		found, err := l.client.FindInstrument(ctx, ticker.Name)
		if err != nil {
			log.Printf("loader: find instrument %s: %v", ticker.Name, err)
			continue
		}
		if len(found) != 1 {
			log.Printf("loader: ticker %s matched %d instruments, skipping", ticker.Name, len(found))
			continue
		}
		share, err := l.client.ShareByFIGI(ctx, found[0].FIGI)
		if err != nil {
			log.Printf("loader: share card for %s: %v", ticker.Name, err)
			continue
		}
		err = l.store.ResolveTickerInstrument(ctx, ticker.ID, share.FIGI, share.ClassCode,
			share.Currency, share.Lot, share.MinPriceIncrement.Float64())
		if err != nil {
			log.Printf("loader: resolve ticker %s: %v", ticker.Name, err)
			continue
		}
		log.Printf("loader: resolved %s -> %s", ticker.Name, share.FIGI)
	}
}

// updateTicker brings one (ticker, interval) series up to date.
func (l *Loader) updateTicker(ctx context.Context, ticker db.Ticker, interval db.Interval, now time.Time) error {
	last, err := l.store.LastCandleTimestamp(ctx, ticker.ID, interval)
	if err != nil {
		return err
	}

	if last == nil {
		return l.backfill(ctx, ticker, interval, l.newTickerStart(interval, now), now)
	}

	gap := now.Sub(*last)
	switch interval {
	case db.Interval5Min, db.Interval15Min:
		if gap > intradayGapLimit {
			return l.backfill(ctx, ticker, interval, *last, now)
		}
	case db.IntervalHour:
		if gap > hourlyGapLimit {
			return l.backfill(ctx, ticker, interval, *last, now)
		}
	}
	return l.fetchRange(ctx, ticker, interval, *last, now)
}

func (l *Loader) newTickerStart(interval db.Interval, now time.Time) time.Time {
	switch interval {
	case db.Interval5Min, db.Interval15Min:
		return now.Add(-intradayBackfill)
	case db.IntervalHour:
		return now.Add(-l.deepHourHorizon)
	case db.IntervalDay:
		return now.Add(-dailyBackfill)
	default:
		return now.Add(-l.floor)
	}
}

// backfill walks [from, now] in provider-sized chunks: calendar days for the
// intraday tiers, trading weeks (Mon-Fri) for hourly, one call for daily.
// Chunks falling entirely on a weekend are skipped.
func (l *Loader) backfill(ctx context.Context, ticker db.Ticker, interval db.Interval, from, now time.Time) error {
	switch interval {
	case db.Interval5Min, db.Interval15Min:
		return l.backfillByDay(ctx, ticker, interval, from, now)
	case db.IntervalHour:
		return l.backfillByWeek(ctx, ticker, from, now)
	default:
		return l.fetchRange(ctx, ticker, interval, from, now)
	}
}

func (l *Loader) backfillByDay(ctx context.Context, ticker db.Ticker, interval db.Interval, from, now time.Time) error {
	for start := from; start.Before(now); {
		end := startOfDay(start).Add(24 * time.Hour)
		if end.After(now) {
			end = now
		}
		if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			start = end
			continue
		}
		if err := l.fetchRange(ctx, ticker, interval, start, end); err != nil {
			log.Printf("loader: %s %s window %s: %v", ticker.Name, interval,
				start.Format("2006-01-02"), err)
		}
		start = end
	}
	return nil
}

func (l *Loader) backfillByWeek(ctx context.Context, ticker db.Ticker, from, now time.Time) error {
	for start := mondayOf(from); start.Before(now); start = start.AddDate(0, 0, 7) {
		weekStart := start
		if weekStart.Before(from) {
			weekStart = from
		}
		weekEnd := start.AddDate(0, 0, 5) // Saturday midnight, Mon-Fri covered
		if weekEnd.After(now) {
			weekEnd = now
		}
		if !weekStart.Before(weekEnd) {
			continue
		}
		if err := l.fetchRange(ctx, ticker, db.IntervalHour, weekStart, weekEnd); err != nil {
			log.Printf("loader: %s hourly week %s: %v", ticker.Name,
				start.Format("2006-01-02"), err)
		}
	}
	return nil
}

// fetchRange loads one window and persists the complete bars.
func (l *Loader) fetchRange(ctx context.Context, ticker db.Ticker, interval db.Interval, from, to time.Time) error {
	candles, err := l.client.GetCandles(ctx, ticker.FIGI, from, to, string(interval))
	if err != nil {
		return err
	}
	for _, c := range candles {
		if !c.IsComplete {
			continue
		}
		err := l.store.AddCandle(ctx, db.Candle{
			TickerID:  ticker.ID,
			Interval:  interval,
			Timestamp: c.Time.UTC(),
			Open:      c.Open.Float64(),
			High:      c.High.Float64(),
			Low:       c.Low.Float64(),
			Close:     c.Close.Float64(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// dueTiers reports which tiers to refresh this pass: 5m always, the slower
// tiers once their staleness threshold has elapsed.
func (l *Loader) dueTiers(now time.Time) []db.Interval {
	due := []db.Interval{db.Interval5Min}
	for _, interval := range []db.Interval{db.Interval15Min, db.IntervalHour, db.IntervalDay} {
		last, ok := l.lastRun[interval]
		if !ok || now.Sub(last) >= interval.Duration() {
			due = append(due, interval)
		}
	}
	return due
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func mondayOf(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDate(0, 0, -offset)
}
