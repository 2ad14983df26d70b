package strategy

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebound-trader/internal/events"
	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

type buyCall struct {
	figi  string
	price float64
	atr   float64
}

type fakeTrader struct {
	prices     map[string]float64
	inPosition bool
	buys       []buyCall
}

func (f *fakeTrader) CurrentPrices(context.Context) (map[string]float64, error) {
	return f.prices, nil
}

func (f *fakeTrader) UpdateActiveOrders(context.Context, string) error { return nil }

func (f *fakeTrader) Portfolio(context.Context, string) (*invest.Portfolio, error) {
	return &invest.Portfolio{}, nil
}

func (f *fakeTrader) InPosition(string, *invest.Portfolio) bool { return f.inPosition }

func (f *fakeTrader) RoundPrice(price float64, _ *db.Ticker) float64 {
	return math.Floor(price*100) / 100
}

func (f *fakeTrader) BuyLimitWithReplace(_ context.Context, figi string, price, atr float64) (bool, error) {
	f.buys = append(f.buys, buyCall{figi: figi, price: price, atr: atr})
	return true, nil
}

// fixture wires a store, a fake trader and an evaluator pinned to a Friday
// afternoon, with one resolved ticker.
type fixture struct {
	store  *db.Database
	trader *fakeTrader
	bus    *events.Bus
	eval   *Evaluator
	ticker int64
	now    time.Time
}

const testFIGI = "BBG004730N88"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	require.NoError(t, store.AddTicker(ctx, "SBER"))
	pending, err := store.TickersMissingInstrument(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	tickerID := pending[0].ID
	require.NoError(t, store.ResolveTickerInstrument(ctx, tickerID, testFIGI, "TQBR", "rub", 10, 0.01))
	require.NoError(t, store.SetAccount(ctx, 1, "acc-1"))

	trader := &fakeTrader{prices: map[string]float64{testFIGI: 100.5}}
	bus := events.NewBus()

	// 2026-08-28 is a Friday, mid-session.
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	eval := New(store, trader, bus, Session{StartHour: 7, EndHour: 20}, 4, 1)
	eval.now = func() time.Time { return now }
	eval.needCrossUpdate = false

	return &fixture{store: store, trader: trader, bus: bus, eval: eval, ticker: tickerID, now: now}
}

// seedBars stores the 5m pair, the hourly bar and the EMA points the
// evaluator reads. Bars are placed on the last two completed 5m boundaries.
func (f *fixture) seedBars(t *testing.T, prevLow, latestLow, currEMA, prevEMA, olderEMA, hourOpen float64) {
	t.Helper()
	ctx := context.Background()
	latestTS := f.now.Add(-5 * time.Minute)
	prevTS := f.now.Add(-10 * time.Minute)

	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.Interval5Min, Timestamp: prevTS,
		Open: prevLow + 1, High: prevLow + 2, Low: prevLow, Close: prevLow + 1,
	}))
	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.Interval5Min, Timestamp: latestTS,
		Open: latestLow + 1, High: latestLow + 2, Low: latestLow, Close: latestLow + 1,
	}))
	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.IntervalHour, Timestamp: f.now.Add(-time.Hour),
		Open: hourOpen, High: hourOpen + 2, Low: hourOpen - 2, Close: hourOpen + 1,
	}))

	require.NoError(t, f.store.BulkInsertIndicators(ctx, []db.IndicatorPoint{
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 200, Timestamp: prevTS, EMA: prevEMA, ATR: 0.8},
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 200, Timestamp: latestTS, EMA: currEMA, ATR: 0.8},
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 1000, Timestamp: latestTS, EMA: olderEMA, ATR: 0.8},
	}))
}

func (f *fixture) seedCross(t *testing.T, ts time.Time) {
	t.Helper()
	_, err := f.store.InsertCrossEventIfAbsent(context.Background(), f.ticker, db.Interval5Min, 200, ts)
	require.NoError(t, err)
}

func collectSignals(ch <-chan any) []events.Signal {
	var out []events.Signal
	for {
		select {
		case payload := <-ch:
			if sig, ok := payload.(events.Signal); ok {
				out = append(out, sig)
			}
		default:
			return out
		}
	}
}

// The qualifying LONG setup: price crossed down through EMA(200), the trend
// EMA confirms, the hourly open confirms, and the frequency counts are in
// range.
func TestLongSignalEmitted(t *testing.T) {
	f := newFixture(t)
	// prev low 101 > prev EMA 100.5; latest low 99 <= curr EMA 100.
	f.seedBars(t, 101, 99, 100, 100.5, 95, 101)

	ch, unsub := f.bus.Subscribe(events.EventSignalDetected, 4)
	defer unsub()

	require.NoError(t, f.eval.Check(context.Background()))

	signals := collectSignals(ch)
	require.Len(t, signals, 1)
	assert.Equal(t, KindLong, signals[0].Kind)
	assert.Equal(t, testFIGI, signals[0].FIGI)
	assert.Equal(t, 100.0, signals[0].EMA)

	// The crossing itself must be journaled exactly once.
	n, err := f.store.CountCrossEvents(context.Background(), f.ticker, db.Interval5Min, 200,
		f.now.Add(-time.Hour), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A re-run on the same bar is deduped by the cross event key.
	require.NoError(t, f.eval.Check(context.Background()))
	assert.Empty(t, collectSignals(ch))
}

func TestShortSignalEmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	latestTS := f.now.Add(-5 * time.Minute)
	prevTS := f.now.Add(-10 * time.Minute)

	// Highs cross up through the EMA: prev high 99.5 < prev EMA 100,
	// latest high 100.6 >= curr EMA 100.2.
	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.Interval5Min, Timestamp: prevTS,
		Open: 99, High: 99.5, Low: 98.5, Close: 99,
	}))
	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.Interval5Min, Timestamp: latestTS,
		Open: 99.8, High: 100.6, Low: 99.5, Close: 100.3,
	}))
	require.NoError(t, f.store.AddCandle(ctx, db.Candle{
		TickerID: f.ticker, Interval: db.IntervalHour, Timestamp: f.now.Add(-time.Hour),
		Open: 99, High: 101, Low: 98, Close: 100,
	}))
	require.NoError(t, f.store.BulkInsertIndicators(ctx, []db.IndicatorPoint{
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 200, Timestamp: prevTS, EMA: 100, ATR: 0.8},
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 200, Timestamp: latestTS, EMA: 100.2, ATR: 0.8},
		{TickerID: f.ticker, Interval: db.Interval5Min, Span: 1000, Timestamp: latestTS, EMA: 105, ATR: 0.8},
	}))

	ch, unsub := f.bus.Subscribe(events.EventSignalDetected, 4)
	defer unsub()

	require.NoError(t, f.eval.Check(ctx))

	signals := collectSignals(ch)
	require.Len(t, signals, 1)
	assert.Equal(t, KindShort, signals[0].Kind)
	// SHORT never places orders.
	assert.Empty(t, f.trader.buys)
}

func TestSignalSuppression(t *testing.T) {
	tests := []struct {
		name string
		prep func(t *testing.T, f *fixture)
	}{
		{
			name: "trend filter blocks",
			prep: func(t *testing.T, f *fixture) {
				// older EMA above current: LONG bias not confirmed.
				f.seedBars(t, 101, 99, 100, 100.5, 105, 101)
			},
		},
		{
			name: "hour open on wrong side",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 99, 100, 100.5, 95, 99)
			},
		},
		{
			name: "short window count not exactly one",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 99, 100, 100.5, 95, 101)
				f.seedCross(t, f.now.Add(-30*time.Minute))
			},
		},
		{
			name: "cross window count above two",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 99, 100, 100.5, 95, 101)
				f.seedCross(t, f.now.Add(-3*time.Hour))
				f.seedCross(t, f.now.Add(-150*time.Minute))
			},
		},
		{
			name: "too many distinct hours in twelve hour window",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 99, 100, 100.5, 95, 101)
				// Four distinct hours on Thursday evening, inside the
				// session-aware 12h window but outside the 4h one.
				thursday := time.Date(2026, 8, 27, 17, 0, 0, 0, time.UTC)
				for i := 0; i < 4; i++ {
					f.seedCross(t, thursday.Add(time.Duration(i)*time.Hour))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prep(t, f)

			ch, unsub := f.bus.Subscribe(events.EventSignalDetected, 4)
			defer unsub()

			require.NoError(t, f.eval.Check(context.Background()))
			assert.Empty(t, collectSignals(ch), "signal should be suppressed")
		})
	}
}

// The entry setup holds above the EMA line: a limit buy is parked at the
// quantized EMA price.
func TestBuyOrderPlaced(t *testing.T) {
	f := newFixture(t)
	// Lows stay above the EMA points; no crossing, just the entry setup.
	f.seedBars(t, 101, 100.2, 100, 100.5, 95, 101)

	require.NoError(t, f.eval.Check(context.Background()))

	require.Len(t, f.trader.buys, 1)
	assert.Equal(t, testFIGI, f.trader.buys[0].figi)
	assert.Equal(t, 100.0, f.trader.buys[0].price)
	assert.Equal(t, 0.8, f.trader.buys[0].atr)
}

func TestBuySuppressed(t *testing.T) {
	tests := []struct {
		name string
		prep func(t *testing.T, f *fixture)
	}{
		{
			name: "already in position",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 100.2, 100, 100.5, 95, 101)
				f.trader.inPosition = true
			},
		},
		{
			name: "live price below ema",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 100.2, 100, 100.5, 95, 101)
				f.trader.prices[testFIGI] = 99.5
			},
		},
		{
			name: "recent cross in short window",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 100.2, 100, 100.5, 95, 101)
				f.seedCross(t, f.now.Add(-20*time.Minute))
			},
		},
		{
			name: "trend filter blocks entry",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 100.2, 100, 100.5, 105, 101)
			},
		},
		{
			name: "hour open below ema",
			prep: func(t *testing.T, f *fixture) {
				f.seedBars(t, 101, 100.2, 100, 100.5, 95, 99.5)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prep(t, f)

			require.NoError(t, f.eval.Check(context.Background()))
			assert.Empty(t, f.trader.buys, "buy should be suppressed")
		})
	}
}

func TestWeekendSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	f.seedBars(t, 101, 99, 100, 100.5, 95, 101)
	// 2026-08-29 is a Saturday.
	saturday := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	f.eval.now = func() time.Time { return saturday }

	ch, unsub := f.bus.Subscribe(events.EventSignalDetected, 4)
	defer unsub()

	require.NoError(t, f.eval.Check(context.Background()))
	assert.Empty(t, collectSignals(ch))
	assert.Empty(t, f.trader.buys)
}
