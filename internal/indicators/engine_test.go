package indicators

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"rebound-trader/pkg/db"
)

func syntheticCandles(tickerID int64, n int, seed float64) []db.Candle {
	base := time.Date(2026, 8, 24, 7, 0, 0, 0, time.UTC)
	out := make([]db.Candle, 0, n)
	price := seed
	for i := 0; i < n; i++ {
		// Deterministic wobble around the seed price.
		price += math.Sin(float64(i)/3) * 0.7
		out = append(out, db.Candle{
			TickerID:  tickerID,
			Interval:  db.Interval5Min,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price - 0.1,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
		})
	}
	return out
}

func TestComputeSeriesEMAMatchesRecursion(t *testing.T) {
	candles := syntheticCandles(1, 120, 100)
	span := 20
	points := ComputeSeries(candles, span, 14)
	if len(points) != len(candles) {
		t.Fatalf("got %d points, want %d", len(points), len(candles))
	}

	alpha := 2.0 / (float64(span) + 1)
	want := candles[0].Close
	for i, p := range points {
		if i > 0 {
			want = alpha*candles[i].Close + (1-alpha)*want
		}
		if math.Abs(p.EMA-want) > 1e-9 {
			t.Fatalf("bar %d: ema = %v, want %v", i, p.EMA, want)
		}
	}
}

func TestComputeSeriesATRWarmup(t *testing.T) {
	candles := syntheticCandles(1, 30, 100)
	points := ComputeSeries(candles, 20, 14)

	for i := 0; i < 13; i++ {
		if points[i].ATR != 0 {
			t.Fatalf("bar %d: atr = %v, want 0 during warmup", i, points[i].ATR)
		}
	}
	if points[13].ATR == 0 {
		t.Fatal("atr should be nonzero once 14 bars are seen")
	}

	// The 14th point's ATR is the mean of the first 14 true ranges.
	sum := 0.0
	for i := 0; i < 14; i++ {
		tr := candles[i].High - candles[i].Low
		if i > 0 {
			prev := candles[i-1].Close
			tr = math.Max(tr, math.Max(
				math.Abs(candles[i].High-prev), math.Abs(candles[i].Low-prev)))
		}
		sum += tr
	}
	want := sum / 14
	if math.Abs(points[13].ATR-want) > 1e-9 {
		t.Errorf("atr = %v, want %v", points[13].ATR, want)
	}
}

// The bounded-tail path must converge to the full-history EMA: with a warmup
// of 2x span bars the difference is below any tradable tolerance.
func TestTailRecomputeConvergence(t *testing.T) {
	span := 50
	candles := syntheticCandles(1, 1000, 100)

	full := ComputeSeries(candles, span, 14)
	tail := ComputeSeries(candles[len(candles)-2*span:], span, 14)

	fullLast := full[len(full)-1]
	tailLast := tail[len(tail)-1]
	if !fullLast.Timestamp.Equal(tailLast.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", fullLast.Timestamp, tailLast.Timestamp)
	}
	// 2x span of warmup leaves the seed bar with e^-4 of the weight, so
	// the tail value sits within a fraction of the price wobble.
	if diff := math.Abs(fullLast.EMA - tailLast.EMA); diff > 0.25 {
		t.Errorf("tail ema diverges from full history by %v", diff)
	}
}

func TestComputeSeriesEmpty(t *testing.T) {
	if got := ComputeSeries(nil, 20, 14); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedTicker(t *testing.T, store *db.Database, name, figi string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := store.AddTicker(ctx, name); err != nil {
		t.Fatalf("add ticker: %v", err)
	}
	pending, err := store.TickersMissingInstrument(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var id int64
	for _, tk := range pending {
		if tk.Name == name {
			id = tk.ID
		}
	}
	if err := store.ResolveTickerInstrument(ctx, id, figi, "TQBR", "rub", 10, 0.01); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return id
}

func TestUpdateWritesOnlyNewerPoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedTicker(t, store, "SBER", "BBG004730N88")

	candles := syntheticCandles(id, 60, 100)
	for _, c := range candles {
		if err := store.AddCandle(ctx, c); err != nil {
			t.Fatalf("seed candle: %v", err)
		}
	}

	engine := New(store, []Pair{{Interval: db.Interval5Min, Span: 20}}, 14)
	if err := engine.Update(ctx); err != nil {
		t.Fatalf("cold start: %v", err)
	}

	latest, err := store.LatestIndicator(ctx, id, db.Interval5Min, 20)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil {
		t.Fatal("cold start wrote no points")
	}
	coldLast := latest.Timestamp

	// A second pass with one new bar writes exactly that bar's point.
	next := candles[len(candles)-1]
	next.Timestamp = next.Timestamp.Add(5 * time.Minute)
	next.Close += 1
	if err := store.AddCandle(ctx, next); err != nil {
		t.Fatalf("add new candle: %v", err)
	}
	if err := engine.Update(ctx); err != nil {
		t.Fatalf("steady state: %v", err)
	}

	latest, err = store.LatestIndicator(ctx, id, db.Interval5Min, 20)
	if err != nil {
		t.Fatalf("latest after steady: %v", err)
	}
	if !latest.Timestamp.Equal(next.Timestamp) {
		t.Errorf("latest point at %v, want %v", latest.Timestamp, next.Timestamp)
	}
	prev, err := store.PenultimateIndicator(ctx, id, db.Interval5Min, 20)
	if err != nil {
		t.Fatalf("penultimate: %v", err)
	}
	if !prev.Timestamp.Equal(coldLast) {
		t.Errorf("penultimate at %v, want cold-start last %v", prev.Timestamp, coldLast)
	}
}
