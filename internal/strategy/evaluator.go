// Package strategy detects the rebound setup: a price bounce off a tracked
// EMA line, gated by cross-frequency and higher-timeframe trend filters.
package strategy

import (
	"context"
	"log"
	"time"

	"rebound-trader/internal/events"
	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

// Signal kinds.
const (
	KindShort     = "SHORT"
	KindLong      = "LONG"
	KindLongOrder = "LONG_ORDER"
)

// OrderPlacer is the slice of the order manager the evaluator drives.
type OrderPlacer interface {
	CurrentPrices(ctx context.Context) (map[string]float64, error)
	UpdateActiveOrders(ctx context.Context, accountID string) error
	Portfolio(ctx context.Context, accountID string) (*invest.Portfolio, error)
	InPosition(figi string, portfolio *invest.Portfolio) bool
	RoundPrice(price float64, t *db.Ticker) float64
	BuyLimitWithReplace(ctx context.Context, figi string, price, atr float64) (bool, error)
}

// Evaluator runs the rebound detection pass over the 5-minute tier.
type Evaluator struct {
	store  *db.Database
	trader OrderPlacer
	bus    *events.Bus

	session     Session
	crossWindow int // hours
	interval    db.Interval
	span        int
	olderSpan   int
	userID      int64

	needCrossUpdate bool
	now             func() time.Time
}

// New builds an evaluator. The first pass reconstructs historical cross
// events inside the trailing cross window before evaluating live bars.
func New(store *db.Database, trader OrderPlacer, bus *events.Bus,
	session Session, crossWindow int, userID int64) *Evaluator {
	return &Evaluator{
		store:           store,
		trader:          trader,
		bus:             bus,
		session:         session,
		crossWindow:     crossWindow,
		interval:        db.Interval5Min,
		span:            200,
		olderSpan:       1000,
		userID:          userID,
		needCrossUpdate: true,
		now:             time.Now,
	}
}

type mainParams struct {
	currEMA  *db.IndicatorPoint
	prevEMA  *db.IndicatorPoint
	olderEMA *db.IndicatorPoint
	prev     db.Candle
	latest   db.Candle
	ticker   *db.Ticker
}

type extendedParams struct {
	count4     int
	count1     int
	count12    int
	hourCandle *db.Candle
}

// Check runs one full strategy pass: buy-order placement first, then alert
// evaluation per ticker. Weekends are skipped outright.
func (e *Evaluator) Check(ctx context.Context) error {
	if wd := e.now().UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
		return nil
	}
	log.Printf("strategy: starting evaluation pass")

	if e.needCrossUpdate {
		if err := e.rebuildCrossHistory(ctx); err != nil {
			return err
		}
		e.needCrossUpdate = false
	}

	candles, err := e.store.LastTwoCandlesPerTicker(ctx, e.interval)
	if err != nil {
		return err
	}

	e.placeBuyOrders(ctx, candles)

	for tickerID, pair := range candles {
		if err := e.evaluateTicker(ctx, tickerID, pair); err != nil {
			log.Printf("strategy: ticker %d: %v", tickerID, err)
		}
	}
	log.Printf("strategy: finished evaluation pass")
	return nil
}

func (e *Evaluator) evaluateTicker(ctx context.Context, tickerID int64, pair []db.Candle) error {
	mp, err := e.mainParams(ctx, tickerID, pair)
	if err != nil || mp == nil {
		return err
	}

	if crossedUp(mp) {
		if err := e.evaluateSide(ctx, tickerID, mp, KindShort); err != nil {
			return err
		}
	}
	if crossedDown(mp) {
		if err := e.evaluateSide(ctx, tickerID, mp, KindLong); err != nil {
			return err
		}
	}
	return nil
}

// evaluateSide records the crossing and emits an alert when every gate holds.
func (e *Evaluator) evaluateSide(ctx context.Context, tickerID int64, mp *mainParams, kind string) error {
	crossIsNew, err := e.store.InsertCrossEventIfAbsent(ctx, tickerID, e.interval,
		mp.currEMA.Span, mp.currEMA.Timestamp)
	if err != nil {
		return err
	}

	ext, err := e.extendedParams(ctx, tickerID, mp.currEMA)
	if err != nil {
		return err
	}

	trendConfirms := mp.currEMA.EMA < mp.olderEMA.EMA && ext.hourCandle != nil &&
		ext.hourCandle.Open < mp.currEMA.EMA
	if kind == KindLong {
		trendConfirms = mp.currEMA.EMA > mp.olderEMA.EMA && ext.hourCandle != nil &&
			ext.hourCandle.Open > mp.currEMA.EMA
	}

	if crossIsNew && ext.hourCandle != nil &&
		ext.count4 >= 1 && ext.count4 <= 2 &&
		ext.count1 == 1 && ext.count12 < 5 &&
		trendConfirms {
		sig := events.Signal{
			Ticker:   mp.ticker.Name,
			FIGI:     mp.ticker.FIGI,
			Kind:     kind,
			Price:    mp.latest.Close,
			EMA:      mp.currEMA.EMA,
			Detected: mp.currEMA.Timestamp,
		}
		e.bus.Publish(events.EventSignalDetected, sig)
		log.Printf("strategy: %s signal on %s at %.4f (ema %.4f)",
			kind, mp.ticker.Name, sig.Price, sig.EMA)
	}
	return nil
}

// placeBuyOrders walks every ticker with fresh bars and submits or replaces
// a limit buy at the EMA price when the entry gates hold.
func (e *Evaluator) placeBuyOrders(ctx context.Context, candles map[int64][]db.Candle) {
	log.Printf("strategy: starting buy-order placement")

	prices, err := e.trader.CurrentPrices(ctx)
	if err != nil {
		log.Printf("strategy: CRITICAL: current prices unavailable: %v", err)
		return
	}
	accountID, err := e.store.Account(ctx, e.userID)
	if err != nil {
		log.Printf("strategy: no account for user %d: %v", e.userID, err)
		return
	}
	if err := e.trader.UpdateActiveOrders(ctx, accountID); err != nil {
		log.Printf("strategy: update active orders: %v", err)
	}
	portfolio, err := e.trader.Portfolio(ctx, accountID)
	if err != nil {
		log.Printf("strategy: portfolio unavailable: %v", err)
		portfolio = nil
	}

	for tickerID, pair := range candles {
		mp, err := e.mainParams(ctx, tickerID, pair)
		if err != nil || mp == nil {
			continue
		}
		if !heldAboveEMA(mp) || e.trader.InPosition(mp.ticker.FIGI, portfolio) {
			continue
		}
		ok, err := e.fullCheckOrder(ctx, tickerID, mp, accountID, prices)
		if err != nil {
			log.Printf("strategy: order gate for %s: %v", mp.ticker.Name, err)
			continue
		}
		if !ok {
			continue
		}
		price := e.trader.RoundPrice(mp.currEMA.EMA, mp.ticker)
		if _, err := e.trader.BuyLimitWithReplace(ctx, mp.ticker.FIGI, price, mp.currEMA.ATR); err != nil {
			log.Printf("strategy: buy order for %s: %v", mp.ticker.Name, err)
		}
	}
	log.Printf("strategy: finished buy-order placement")
}

// fullCheckOrder is the entry gate set applied on top of the raw
// held-above-EMA condition before money moves.
func (e *Evaluator) fullCheckOrder(ctx context.Context, tickerID int64, mp *mainParams,
	accountID string, prices map[string]float64) (bool, error) {
	ext, err := e.extendedParams(ctx, tickerID, mp.currEMA)
	if err != nil {
		return false, err
	}

	active, err := e.store.ActiveOrderByFIGI(ctx, accountID, mp.ticker.FIGI, db.DirectionBuy)
	if err != nil {
		return false, err
	}
	price := e.trader.RoundPrice(mp.currEMA.EMA, mp.ticker)
	priceDiffers := true
	if active != nil && active.LotsRequested > 0 {
		priceDiffers = active.InitialOrderPrice/float64(active.LotsRequested) != price
	}

	live, havePrice := prices[mp.ticker.FIGI]

	return ext.hourCandle != nil &&
		priceDiffers &&
		havePrice &&
		live > mp.currEMA.EMA &&
		ext.count4 < 2 &&
		mp.currEMA.EMA > mp.olderEMA.EMA &&
		ext.count1 == 0 &&
		ext.count12 < 4 &&
		ext.hourCandle.Open > mp.currEMA.EMA, nil
}

func (e *Evaluator) mainParams(ctx context.Context, tickerID int64, pair []db.Candle) (*mainParams, error) {
	if len(pair) < 2 {
		return nil, nil
	}
	currEMA, err := e.store.LatestIndicator(ctx, tickerID, e.interval, e.span)
	if err != nil {
		return nil, err
	}
	prevEMA, err := e.store.PenultimateIndicator(ctx, tickerID, e.interval, e.span)
	if err != nil {
		return nil, err
	}
	olderEMA, err := e.store.LatestIndicator(ctx, tickerID, e.interval, e.olderSpan)
	if err != nil {
		return nil, err
	}
	if currEMA == nil || prevEMA == nil || olderEMA == nil {
		return nil, nil
	}
	ticker, err := e.store.TickerByID(ctx, tickerID)
	if err != nil {
		return nil, err
	}
	return &mainParams{
		currEMA:  currEMA,
		prevEMA:  prevEMA,
		olderEMA: olderEMA,
		latest:   pair[0],
		prev:     pair[1],
		ticker:   ticker,
	}, nil
}

func (e *Evaluator) extendedParams(ctx context.Context, tickerID int64, currEMA *db.IndicatorPoint) (*extendedParams, error) {
	end := e.now().UTC()

	count4, err := e.store.CountCrossEvents(ctx, tickerID, e.interval, currEMA.Span,
		e.session.WindowStart(end, e.crossWindow, 0), end)
	if err != nil {
		return nil, err
	}
	count1, err := e.store.CountCrossEvents(ctx, tickerID, e.interval, currEMA.Span,
		e.session.WindowStart(end, 1, 30), end)
	if err != nil {
		return nil, err
	}
	count12, err := e.store.CountDistinctHourBuckets(ctx, tickerID, e.interval, currEMA.Span,
		e.session.WindowStart(end, 12, 0), end)
	if err != nil {
		return nil, err
	}

	hourCandle, err := e.store.LastCandle(ctx, tickerID, db.IntervalHour)
	if err == db.ErrNotFound {
		hourCandle = nil
	} else if err != nil {
		return nil, err
	}

	return &extendedParams{
		count4:     count4,
		count1:     count1,
		count12:    count12,
		hourCandle: hourCandle,
	}, nil
}

// rebuildCrossHistory reconstructs cross events inside the trailing cross
// window by stepping 5-minute evaluation points and applying the crossing
// predicates as-of each step. Run once per process start so the frequency
// counters see history from before the restart.
func (e *Evaluator) rebuildCrossHistory(ctx context.Context) error {
	log.Printf("strategy: rebuilding cross history")
	end := e.now().UTC()
	at := e.session.WindowStart(end, e.crossWindow, 0)

	for at.Before(end) {
		candles, err := e.store.TwoCandlesPerTickerAsOf(ctx, e.interval, at)
		if err != nil {
			return err
		}
		for tickerID, pair := range candles {
			if len(pair) < 2 {
				continue
			}
			currEMA, err := e.store.IndicatorAsOf(ctx, tickerID, e.interval, e.span, at)
			if err != nil {
				return err
			}
			prevEMA, err := e.store.PenultimateIndicatorAsOf(ctx, tickerID, e.interval, e.span, at)
			if err != nil {
				return err
			}
			if currEMA == nil || prevEMA == nil {
				continue
			}
			latest, prev := pair[0], pair[1]
			if latest.High >= currEMA.EMA && prev.High < prevEMA.EMA {
				if _, err := e.store.InsertCrossEventIfAbsent(ctx, tickerID, e.interval,
					currEMA.Span, currEMA.Timestamp); err != nil {
					return err
				}
			}
			if prev.Low > prevEMA.EMA && latest.Low <= currEMA.EMA {
				if _, err := e.store.InsertCrossEventIfAbsent(ctx, tickerID, e.interval,
					currEMA.Span, currEMA.Timestamp); err != nil {
					return err
				}
			}
		}
		at = at.Add(300 * time.Second)
	}
	log.Printf("strategy: cross history rebuilt")
	return nil
}

// crossedUp: price crossed up through the EMA on this bar, not the previous.
func crossedUp(mp *mainParams) bool {
	return mp.latest.High >= mp.currEMA.EMA && mp.prev.High < mp.prevEMA.EMA
}

// crossedDown: price crossed down through the EMA on this bar.
func crossedDown(mp *mainParams) bool {
	return mp.prev.Low > mp.prevEMA.EMA && mp.latest.Low <= mp.currEMA.EMA
}

// heldAboveEMA: both bars' lows stayed above their EMA points; the entry
// setup for a resting limit buy at the EMA line.
func heldAboveEMA(mp *mainParams) bool {
	return mp.prev.Low > mp.prevEMA.EMA && mp.latest.Low > mp.currEMA.EMA
}
