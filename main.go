package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebound-trader/internal/api"
	"rebound-trader/internal/events"
	"rebound-trader/internal/gateway"
	"rebound-trader/internal/indicators"
	"rebound-trader/internal/loader"
	"rebound-trader/internal/notify"
	"rebound-trader/internal/strategy"
	"rebound-trader/internal/trader"
	"rebound-trader/pkg/config"
	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: config: %v", err)
	}
	spans, err := config.LoadSpans(cfg.SpansPath)
	if err != nil {
		log.Fatalf("main: spans: %v", err)
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("main: migrate: %v", err)
	}

	gw := gateway.New(gateway.Limits{
		gateway.CategoryInstrument:  cfg.InstrumentLimit,
		gateway.CategoryMarket:      cfg.MarketLimit,
		gateway.CategoryOperations:  cfg.OperationsLimit,
		gateway.CategoryPostOrder:   cfg.PostOrderLimit,
		gateway.CategoryGetOrder:    cfg.GetOrderLimit,
		gateway.CategoryCancelOrder: cfg.CancelOrderLimit,
	}, cfg.RequestAttempts, cfg.RequestRetryDelay)

	client := invest.New(cfg.BaseURL, cfg.Token, cfg.SandboxMode, gw)
	bus := events.NewBus()

	pairs := make([]indicators.Pair, 0, len(spans))
	for _, s := range spans {
		pairs = append(pairs, indicators.Pair{Interval: db.Interval(s.Interval), Span: s.Span})
	}

	ingest := loader.New(store, client, cfg.DeepHourHorizon, cfg.HistoricalFloor)
	engine := indicators.New(store, pairs, cfg.ATRPeriod)
	trd := trader.New(store, client, bus, cfg.AccountUserID, cfg.PositionBuyPct,
		cfg.SandboxMode, cfg.DebugMode)
	eval := strategy.New(store, trd, bus,
		strategy.Session{StartHour: cfg.TradeStartHour, EndHour: cfg.TradeEndHour},
		cfg.EMACrossWindow, cfg.AccountUserID)

	notifier := notify.New(cfg.BotToken, cfg.DebugChatID, cfg.NotifyAttempts, cfg.NotifyRetryDelay)
	status := api.New(store, cfg.AccountUserID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go notifier.Run(ctx, bus)
	go func() {
		if err := status.Run(ctx, ":"+cfg.Port); err != nil {
			log.Printf("main: status server: %v", err)
		}
	}()

	log.Printf("main: starting (sandbox=%v debug=%v)", cfg.SandboxMode, cfg.DebugMode)
	runLoop(ctx, cfg, ingest, engine, eval, trd, status)
	log.Printf("main: stopped")
}

// runLoop interleaves the two cadences: a long pass (ingestion, indicators,
// strategy) and a short reconciliation pass, with an idle sleep between
// checks. Shutdown happens only between iterations.
func runLoop(ctx context.Context, cfg *config.Config, ingest *loader.Loader,
	engine *indicators.Engine, eval *strategy.Evaluator, trd *trader.Trader,
	status *api.Server) {

	var lastLong, lastShort time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		now := time.Now()

		if now.Sub(lastLong) >= cfg.MainLoopPeriod {
			if err := ingest.Run(ctx); err != nil {
				log.Printf("main: ingestion pass: %v", err)
			}
			if err := engine.Update(ctx); err != nil {
				log.Printf("main: indicator pass: %v", err)
			}
			if err := eval.Check(ctx); err != nil {
				log.Printf("main: strategy pass: %v", err)
			}
			status.MarkLongPass()
			lastLong = now
		}

		if now.Sub(lastShort) >= cfg.ReconcilePeriod {
			if err := trd.Reconcile(ctx); err != nil {
				log.Printf("main: reconciliation pass: %v", err)
			}
			status.MarkShortPass()
			lastShort = now
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.IdleSleep):
		}
	}
}
