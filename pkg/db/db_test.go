package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func addTestTicker(t *testing.T, d *Database, name, figi string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := d.AddTicker(ctx, name); err != nil {
		t.Fatalf("add ticker: %v", err)
	}
	pending, err := d.TickersMissingInstrument(ctx)
	if err != nil {
		t.Fatalf("pending tickers: %v", err)
	}
	var id int64
	for _, tk := range pending {
		if tk.Name == name {
			id = tk.ID
		}
	}
	if id == 0 {
		t.Fatalf("ticker %s not found", name)
	}
	if err := d.ResolveTickerInstrument(ctx, id, figi, "TQBR", "rub", 10, 0.01); err != nil {
		t.Fatalf("resolve ticker: %v", err)
	}
	return id
}

func TestAddCandleIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	c := Candle{TickerID: id, Interval: Interval5Min, Timestamp: ts,
		Open: 100, High: 101, Low: 99, Close: 100.5}

	for i := 0; i < 2; i++ {
		if err := d.AddCandle(ctx, c); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	candles, err := d.CandlesAscending(ctx, id, Interval5Min)
	if err != nil {
		t.Fatalf("query candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if candles[0].Close != 100.5 {
		t.Errorf("close = %v, want 100.5", candles[0].Close)
	}
}

func TestLastCandleTimestamp(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "GAZP", "BBG004730RP0")

	got, err := d.LastCandleTimestamp(ctx, id, Interval5Min)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty series, got %v", got)
	}

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		c := Candle{TickerID: id, Interval: Interval5Min,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100}
		if err := d.AddCandle(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err = d.LastCandleTimestamp(ctx, id, Interval5Min)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := base.Add(10 * time.Minute)
	if got == nil || !got.Equal(want) {
		t.Errorf("last timestamp = %v, want %v", got, want)
	}
}

func TestLastTwoCandlesPerTicker(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id1 := addTestTicker(t, d, "SBER", "BBG004730N88")
	id2 := addTestTicker(t, d, "GAZP", "BBG004730RP0")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for _, id := range []int64{id1, id2} {
		for i := 0; i < 4; i++ {
			c := Candle{TickerID: id, Interval: Interval5Min,
				Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
				Open:      100, High: 101, Low: 99, Close: float64(100 + i)}
			if err := d.AddCandle(ctx, c); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
	}

	got, err := d.LastTwoCandlesPerTicker(ctx, Interval5Min)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tickers, got %d", len(got))
	}
	pair := got[id1]
	if len(pair) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(pair))
	}
	if !pair[0].Timestamp.After(pair[1].Timestamp) {
		t.Errorf("candles not newest-first: %v then %v", pair[0].Timestamp, pair[1].Timestamp)
	}
	if pair[0].Close != 103 {
		t.Errorf("newest close = %v, want 103", pair[0].Close)
	}

	// As-of mid-series sees only the first two bars.
	hist, err := d.TwoCandlesPerTickerAsOf(ctx, Interval5Min, base.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("as-of query: %v", err)
	}
	if hist[id1][0].Close != 101 {
		t.Errorf("as-of newest close = %v, want 101", hist[id1][0].Close)
	}
}

func TestCrossEventDedup(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	isNew, err := d.InsertCrossEventIfAbsent(ctx, id, Interval5Min, 200, ts)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !isNew {
		t.Fatal("first insert should report new")
	}

	isNew, err = d.InsertCrossEventIfAbsent(ctx, id, Interval5Min, 200, ts)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if isNew {
		t.Fatal("second insert should report existing")
	}

	n, err := d.CountCrossEvents(ctx, id, Interval5Min, 200,
		ts.Add(-time.Hour), ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestCountDistinctHourBuckets(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base,
		base.Add(5 * time.Minute),  // same hour
		base.Add(65 * time.Minute), // next hour
		base.Add(3 * time.Hour),
	}
	for _, ts := range stamps {
		if _, err := d.InsertCrossEventIfAbsent(ctx, id, Interval5Min, 200, ts); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := d.CountDistinctHourBuckets(ctx, id, Interval5Min, 200,
		base.Add(-time.Hour), base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("distinct hours = %d, want 3", n)
	}
}

func TestCrossHourBucketsMatchEventCount(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")

	// Three crossings spread over two wall-clock hours.
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{base, base.Add(5 * time.Minute), base.Add(65 * time.Minute)} {
		if _, err := d.InsertCrossEventIfAbsent(ctx, id, Interval5Min, 200, ts); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	start, end := base.Add(-time.Hour), base.Add(2*time.Hour)
	events, err := d.CountCrossEvents(ctx, id, Interval5Min, 200, start, end)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 3 {
		t.Errorf("events = %d, want 3", events)
	}
	buckets, err := d.CountDistinctHourBuckets(ctx, id, Interval5Min, 200, start, end)
	if err != nil {
		t.Fatalf("count buckets: %v", err)
	}
	if buckets != 2 {
		t.Errorf("distinct hours = %d, want 2", buckets)
	}

	// The stored text must stay in the canonical form SQLite's date
	// functions understand, or the bucket query degrades to zero.
	var raw string
	err = d.DB.QueryRowContext(ctx,
		`SELECT CAST(ts AS TEXT) FROM ema_cross ORDER BY ts LIMIT 1`).Scan(&raw)
	if err != nil {
		t.Fatalf("raw ts: %v", err)
	}
	if raw != "2026-08-28 10:00:00" {
		t.Errorf("stored ts = %q, want %q", raw, "2026-08-28 10:00:00")
	}
}

func TestIndicatorQueries(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	var points []IndicatorPoint
	for i := 0; i < 3; i++ {
		points = append(points, IndicatorPoint{
			TickerID: id, Interval: Interval5Min, Span: 200,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			EMA:       float64(100 + i), ATR: 1,
		})
	}
	if err := d.BulkInsertIndicators(ctx, points); err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	// Re-insert is a no-op.
	if err := d.BulkInsertIndicators(ctx, points); err != nil {
		t.Fatalf("bulk re-insert: %v", err)
	}

	latest, err := d.LatestIndicator(ctx, id, Interval5Min, 200)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.EMA != 102 {
		t.Fatalf("latest = %+v, want ema 102", latest)
	}

	prev, err := d.PenultimateIndicator(ctx, id, Interval5Min, 200)
	if err != nil {
		t.Fatalf("penultimate: %v", err)
	}
	if prev == nil || prev.EMA != 101 {
		t.Fatalf("penultimate = %+v, want ema 101", prev)
	}

	asOf, err := d.IndicatorAsOf(ctx, id, Interval5Min, 200, base.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("as-of: %v", err)
	}
	if asOf == nil || asOf.EMA != 101 {
		t.Fatalf("as-of = %+v, want ema 101", asOf)
	}

	missing, err := d.LatestIndicator(ctx, id, Interval5Min, 1000)
	if err != nil {
		t.Fatalf("missing span: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing span, got %+v", missing)
	}
}

func TestDealLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id := addTestTicker(t, d, "SBER", "BBG004730N88")

	seedOrder := func(orderID string, direction Direction) {
		err := d.AddOrder(ctx, Order{
			ID: orderID, AccountID: "acc", FIGI: "BBG004730N88",
			Direction: direction, OrderType: "ORDER_TYPE_LIMIT", Status: StatusFilled,
			LotsRequested: 1, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}
	seedOrder("buy-1", DirectionBuy)
	seedOrder("sell-1", DirectionSell)

	opened, err := d.OpenDeal(ctx, id, "buy-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !opened {
		t.Fatal("first open should succeed")
	}

	// Second open while one is outstanding is a no-op.
	opened, err = d.OpenDeal(ctx, id, "buy-1")
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if opened {
		t.Fatal("second open should be a no-op")
	}

	closed, err := d.CloseDeal(ctx, id, "buy-1", "sell-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatal("close should succeed")
	}

	// Closing again with no open deal is a no-op.
	closed, err = d.CloseDeal(ctx, id, "buy-1", "sell-1")
	if err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if closed {
		t.Fatal("second close should be a no-op")
	}

	open, err := d.OpenDealForTicker(ctx, id)
	if err != nil {
		t.Fatalf("open deal query: %v", err)
	}
	if open != nil {
		t.Fatalf("expected no open deal, got %+v", open)
	}
}

func TestActiveOrderQueries(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	add := func(orderID, figi, status string, direction Direction, createdAt time.Time) {
		err := d.AddOrder(ctx, Order{
			ID: orderID, AccountID: "acc", FIGI: figi, Direction: direction,
			OrderType: "ORDER_TYPE_LIMIT", Status: status, LotsRequested: 2,
			InitialOrderPrice: 200, ATR: 1.5, CreatedAt: createdAt,
		})
		if err != nil {
			t.Fatalf("add order: %v", err)
		}
	}
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	add("o-1", "FIGI1", StatusNew, DirectionBuy, base)
	add("o-2", "FIGI1", StatusCancelled, DirectionBuy, base.Add(time.Minute))
	add("o-3", "FIGI2", StatusPartiallyFilled, DirectionSell, base.Add(2*time.Minute))

	ids, err := d.ActiveOrders(ctx, "acc")
	if err != nil {
		t.Fatalf("active orders: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("active orders = %v, want 2", ids)
	}

	active, err := d.ActiveOrderByFIGI(ctx, "acc", "FIGI1", DirectionBuy)
	if err != nil {
		t.Fatalf("active by figi: %v", err)
	}
	if active == nil || active.ID != "o-1" {
		t.Fatalf("active = %+v, want o-1", active)
	}

	latest, err := d.LatestOrderByDirection(ctx, "acc", "FIGI1", DirectionBuy)
	if err != nil {
		t.Fatalf("latest by direction: %v", err)
	}
	if latest == nil || latest.ID != "o-2" {
		t.Fatalf("latest = %+v, want o-2", latest)
	}

	atr, err := d.OrderATR(ctx, "o-1")
	if err != nil {
		t.Fatalf("order atr: %v", err)
	}
	if atr != 1.5 {
		t.Errorf("atr = %v, want 1.5", atr)
	}

	if err := d.CancelOrder(ctx, "o-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	active, err = d.ActiveOrderByFIGI(ctx, "acc", "FIGI1", DirectionBuy)
	if err != nil {
		t.Fatalf("active after cancel: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active order, got %+v", active)
	}
}

func TestAddOrderDefaultsCreatedAt(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	err := d.AddOrder(ctx, Order{
		ID: "o-1", AccountID: "acc", FIGI: "FIGI1", Direction: DirectionBuy,
		OrderType: "ORDER_TYPE_LIMIT", Status: StatusNew, LotsRequested: 1,
	})
	if err != nil {
		t.Fatalf("add order: %v", err)
	}

	got, err := d.LatestOrderByDirection(ctx, "acc", "FIGI1", DirectionBuy)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.CreatedAt.IsZero() {
		t.Fatalf("created_at not defaulted: %+v", got)
	}
	if age := time.Since(got.CreatedAt); age < 0 || age > time.Minute {
		t.Errorf("created_at %v not near now", got.CreatedAt)
	}
}

func TestPositionSnapshots(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id1 := addTestTicker(t, d, "SBER", "BBG004730N88")
	id2 := addTestTicker(t, d, "GAZP", "BBG004730RP0")

	got, err := d.LatestPositionSnapshot(ctx, "acc")
	if err != nil {
		t.Fatalf("empty snapshot: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}

	if err := d.SavePositionSnapshot(ctx, "acc", []int64{id1, id2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.SavePositionSnapshot(ctx, "acc", []int64{id2}); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err = d.LatestPositionSnapshot(ctx, "acc")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if len(got) != 1 || !got[id2] {
		t.Fatalf("snapshot = %v, want only ticker %d", got, id2)
	}
}

func TestAccountBinding(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if _, err := d.Account(ctx, 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.SetAccount(ctx, 1, "acc-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := d.SetAccount(ctx, 1, "acc-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := d.Account(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "acc-2" {
		t.Errorf("account = %q, want acc-2", got)
	}
}
