package trader

import (
	"context"
	"fmt"
	"log"

	"rebound-trader/internal/events"
	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

// Reconcile aligns local state with broker truth: refreshes active orders,
// walks every held position to manage its exit (stop at buy − 1.5×ATR,
// target at buy + 3×ATR), diffs the position set against the previous
// snapshot to open and complete deals, and persists the new snapshot.
func (t *Trader) Reconcile(ctx context.Context) error {
	log.Printf("trader: starting reconciliation pass")
	accountID, err := t.accountID(ctx)
	if err != nil {
		return err
	}

	if err := t.UpdateActiveOrders(ctx, accountID); err != nil {
		log.Printf("trader: update active orders: %v", err)
	}

	previous, err := t.store.LatestPositionSnapshot(ctx, accountID)
	if err != nil {
		return err
	}
	current, err := t.currentPositions(ctx, accountID)
	if err != nil {
		return err
	}
	prices, err := t.CurrentPrices(ctx)
	if err != nil {
		return fmt.Errorf("current prices: %w", err)
	}
	restingBuyFigi, err := t.restingOrderFigis(ctx, accountID)
	if err != nil {
		return err
	}

	currentIDs := make(map[int64]bool, len(current))
	for _, pos := range current {
		currentIDs[pos.ID] = true
		if err := t.managePosition(ctx, accountID, pos, previous, restingBuyFigi, prices); err != nil {
			log.Printf("trader: position %s: %v", pos.Name, err)
		}
	}

	// Positions gone from the broker set closed since the last snapshot.
	for tickerID := range previous {
		if currentIDs[tickerID] {
			continue
		}
		if err := t.completeDeal(ctx, accountID, tickerID); err != nil {
			log.Printf("trader: complete deal for ticker %d: %v", tickerID, err)
		}
	}

	ids := make([]int64, 0, len(current))
	for _, pos := range current {
		ids = append(ids, pos.ID)
	}
	if err := t.store.SavePositionSnapshot(ctx, accountID, ids); err != nil {
		return err
	}
	log.Printf("trader: finished reconciliation pass")
	return nil
}

// managePosition handles one held position: journals a newly observed one
// and keeps its exit order in line with the stop/target prices.
func (t *Trader) managePosition(ctx context.Context, accountID string, pos db.Ticker,
	previous map[int64]bool, restingBuyFigi map[string]bool, prices map[string]float64) error {

	latestBuy, err := t.store.LatestOrderByDirection(ctx, accountID, pos.FIGI, db.DirectionBuy)
	if err != nil {
		return err
	}
	if latestBuy == nil {
		// A position the trader never bought. Liquidate and alert.
		if ok, err := t.SellMarket(ctx, pos.FIGI, 1); err != nil || !ok {
			return fmt.Errorf("liquidate orphan position: %w", err)
		}
		t.bus.Publish(events.EventOperatorAlert, events.Alert{
			Text: fmt.Sprintf("<b>Unexpected position, sold at market</b> #%s", pos.Name),
		})
		return nil
	}
	if latestBuy.LotsRequested == 0 {
		return fmt.Errorf("buy order %s has zero requested lots", latestBuy.ID)
	}

	basePrice := latestBuy.InitialOrderPrice / float64(latestBuy.LotsRequested)
	target := t.RoundPrice(basePrice+3*latestBuy.ATR, &pos)
	stopHit := prices[pos.FIGI] <= basePrice-1.5*latestBuy.ATR

	newlySeen := !previous[pos.ID] || !restingBuyFigi[pos.FIGI]
	if newlySeen {
		opened, err := t.store.OpenDeal(ctx, pos.ID, latestBuy.ID)
		if err != nil {
			return err
		}
		if !previous[pos.ID] {
			t.bus.Publish(events.EventPositionOpened, events.PositionEvent{
				Ticker: pos.Name, FIGI: pos.FIGI,
			})
			log.Printf("trader: position opened on %s (%d lots at %.2f, deal new=%v)",
				pos.Name, latestBuy.LotsRequested, latestBuy.InitialOrderPrice, opened)
		}
		if stopHit {
			_, err = t.SellMarket(ctx, pos.FIGI, target)
			return err
		}
		_, err = t.SellLimitWithReplace(ctx, pos.FIGI, target, latestBuy.ATR)
		return err
	}

	if stopHit {
		latestSell, err := t.store.LatestOrderByDirection(ctx, accountID, pos.FIGI, db.DirectionSell)
		if err != nil {
			return err
		}
		if latestSell != nil && latestSell.Active() {
			if err := t.CancelOrder(ctx, accountID, latestSell.ID); err != nil {
				return err
			}
		}
		_, err = t.SellMarket(ctx, pos.FIGI, target)
		return err
	}
	return nil
}

// completeDeal records the round trip for a ticker whose position closed.
func (t *Trader) completeDeal(ctx context.Context, accountID string, tickerID int64) error {
	ticker, err := t.store.TickerByID(ctx, tickerID)
	if err != nil {
		return err
	}
	latestBuy, err := t.store.LatestOrderByDirection(ctx, accountID, ticker.FIGI, db.DirectionBuy)
	if err != nil {
		return err
	}
	latestSell, err := t.store.LatestOrderByDirection(ctx, accountID, ticker.FIGI, db.DirectionSell)
	if err != nil {
		return err
	}
	if latestBuy == nil || latestSell == nil {
		return fmt.Errorf("missing order history for closed position %s", ticker.Name)
	}

	closed, err := t.store.CloseDeal(ctx, tickerID, latestBuy.ID, latestSell.ID)
	if err != nil {
		return err
	}
	if closed {
		t.bus.Publish(events.EventPositionClosed, events.PositionEvent{
			Ticker: ticker.Name, FIGI: ticker.FIGI,
		})
		log.Printf("trader: position closed on %s", ticker.Name)
	}
	return nil
}

// currentPositions maps broker-held share balances onto known tickers.
func (t *Trader) currentPositions(ctx context.Context, accountID string) ([]db.Ticker, error) {
	positions, err := t.broker.GetPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", accountID, err)
	}
	var out []db.Ticker
	for _, sec := range positions.Securities {
		if sec.InstrumentType != "share" || sec.Balance == 0 {
			continue
		}
		ticker, err := t.store.TickerByFIGI(ctx, sec.FIGI)
		if err == db.ErrNotFound {
			log.Printf("trader: position in unknown instrument %s", sec.FIGI)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ticker)
	}
	return out, nil
}

// restingOrderFigis returns the figis with a broker-acknowledged resting
// order.
func (t *Trader) restingOrderFigis(ctx context.Context, accountID string) (map[string]bool, error) {
	orders, err := t.broker.GetOrders(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("orders for %s: %w", accountID, err)
	}
	out := make(map[string]bool)
	for _, o := range orders {
		if o.ExecutionReportStatus == invest.StatusNew {
			out[o.FIGI] = true
		}
	}
	return out, nil
}
