// Package trader manages the order lifecycle: sizing, submission,
// replacement, cancellation, position reconciliation and deal journaling.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rebound-trader/internal/events"
	"rebound-trader/pkg/db"
	"rebound-trader/pkg/invest"
)

// ErrNoAccount means the configured user has no broker account stored.
var ErrNoAccount = errors.New("no broker account configured")

// Broker is the slice of the invest client the trader consumes.
type Broker interface {
	GetLastPrices(ctx context.Context, figis []string) ([]invest.LastPrice, error)
	GetPortfolio(ctx context.Context, accountID string) (*invest.Portfolio, error)
	GetPositions(ctx context.Context, accountID string) (*invest.Positions, error)
	GetOrders(ctx context.Context, accountID string) ([]invest.OrderState, error)
	GetOrderState(ctx context.Context, accountID, orderID string) (*invest.OrderState, error)
	PostOrder(ctx context.Context, req invest.PostOrderRequest) (*invest.OrderState, error)
	ReplaceOrder(ctx context.Context, req invest.ReplaceOrderRequest) (*invest.OrderState, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
}

// Trader drives order placement against the broker and mirrors every
// transition into local storage.
type Trader struct {
	store  *db.Database
	broker Broker
	bus    *events.Bus

	userID  int64
	buyPct  float64
	sandbox bool
	debug   bool
}

// New builds a trader for the configured account.
func New(store *db.Database, broker Broker, bus *events.Bus,
	userID int64, buyPct float64, sandbox, debug bool) *Trader {
	return &Trader{
		store:   store,
		broker:  broker,
		bus:     bus,
		userID:  userID,
		buyPct:  buyPct,
		sandbox: sandbox,
		debug:   debug,
	}
}

func (t *Trader) accountID(ctx context.Context) (string, error) {
	id, err := t.store.Account(ctx, t.userID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNoAccount
	}
	return id, nil
}

// CurrentPrices returns the last traded price per tradable figi.
func (t *Trader) CurrentPrices(ctx context.Context) (map[string]float64, error) {
	tickers, err := t.store.TradableTickers(ctx)
	if err != nil {
		return nil, err
	}
	figis := make([]string, 0, len(tickers))
	for _, tk := range tickers {
		figis = append(figis, tk.FIGI)
	}
	if len(figis) == 0 {
		return map[string]float64{}, nil
	}

	rows, err := t.broker.GetLastPrices(ctx, figis)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.FIGI] = r.Price.Float64()
	}
	return out, nil
}

// Portfolio fetches the account valuation and holdings.
func (t *Trader) Portfolio(ctx context.Context, accountID string) (*invest.Portfolio, error) {
	return t.broker.GetPortfolio(ctx, accountID)
}

// InPosition reports whether the account already holds the instrument.
// A missing portfolio blocks entries rather than risking a double buy.
func (t *Trader) InPosition(figi string, portfolio *invest.Portfolio) bool {
	if portfolio == nil {
		return true
	}
	for _, p := range portfolio.Positions {
		if p.InstrumentType == "share" && p.FIGI == figi {
			return true
		}
	}
	return false
}

// RoundPrice quantizes a price down to the instrument's minimum increment.
func (t *Trader) RoundPrice(price float64, tk *db.Ticker) float64 {
	if tk == nil || tk.MinPriceIncrement <= 0 {
		return price
	}
	inc := decimal.NewFromFloat(tk.MinPriceIncrement)
	out, _ := decimal.NewFromFloat(price).
		Div(inc).Floor().Mul(inc).Round(2).Float64()
	return out
}

// UpdateActiveOrders refreshes every locally active order from the broker.
// One order failing to refresh does not stop the rest.
func (t *Trader) UpdateActiveOrders(ctx context.Context, accountID string) error {
	ids, err := t.store.ActiveOrders(ctx, accountID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.refreshOrder(ctx, accountID, id); err != nil {
			log.Printf("trader: refresh order %s: %v", id, err)
		}
	}
	return nil
}

func (t *Trader) refreshOrder(ctx context.Context, accountID, orderID string) error {
	state, err := t.broker.GetOrderState(ctx, accountID, orderID)
	if err != nil {
		return err
	}
	atr, err := t.store.OrderATR(ctx, orderID)
	if err == db.ErrNotFound {
		atr = 1
	} else if err != nil {
		return err
	}
	return t.store.UpdateOrder(ctx, convertOrder(state, accountID, atr))
}

// CancelOrder withdraws a resting order and mirrors the cancellation.
func (t *Trader) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if err := t.broker.CancelOrder(ctx, accountID, orderID); err != nil {
		return err
	}
	if err := t.store.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	t.bus.Publish(events.EventOrderCancelled, events.OrderEvent{OrderID: orderID})
	log.Printf("trader: cancelled order %s", orderID)
	return nil
}

// BuyLimitWithReplace places a limit buy, or replaces the resting buy order
// when one exists so the price tracks the moving EMA line.
func (t *Trader) BuyLimitWithReplace(ctx context.Context, figi string, price, atr float64) (bool, error) {
	return t.limitWithReplace(ctx, figi, price, atr, db.DirectionBuy)
}

// SellLimitWithReplace places or re-prices the resting limit sell.
func (t *Trader) SellLimitWithReplace(ctx context.Context, figi string, price, atr float64) (bool, error) {
	return t.limitWithReplace(ctx, figi, price, atr, db.DirectionSell)
}

// SellMarket liquidates at market. The price argument only feeds the local
// order mirror; the broker ignores it for market orders.
func (t *Trader) SellMarket(ctx context.Context, figi string, price float64) (bool, error) {
	return t.makeOrder(ctx, figi, price, db.DirectionSell, invest.OrderTypeMarket, 1)
}

func (t *Trader) limitWithReplace(ctx context.Context, figi string, price, atr float64, direction db.Direction) (bool, error) {
	accountID, err := t.accountID(ctx)
	if err != nil {
		return false, err
	}
	active, err := t.store.ActiveOrderByFIGI(ctx, accountID, figi, direction)
	if err != nil {
		return false, err
	}
	if active != nil {
		return t.replaceOrder(ctx, accountID, active, price, atr)
	}
	return t.makeOrder(ctx, figi, price, direction, invest.OrderTypeLimit, atr)
}

// replaceOrder swaps a resting order for a repriced one: the broker treats
// it as an atomic cancel+create, locally the old row is marked cancelled and
// the replacement inserted as a new order.
func (t *Trader) replaceOrder(ctx context.Context, accountID string, active *db.Order, price, atr float64) (bool, error) {
	q := invest.QuotationFromDecimal(decimal.NewFromFloat(price))
	state, err := t.broker.ReplaceOrder(ctx, invest.ReplaceOrderRequest{
		AccountID:      accountID,
		OrderID:        active.ID,
		IdempotencyKey: uuid.NewString(),
		Quantity:       invest.Int64String(active.LotsRequested),
		Price:          &q,
	})
	if err != nil {
		return false, fmt.Errorf("replace order %s: %w", active.ID, err)
	}

	order := convertOrder(state, accountID, atr)
	if order.FIGI == "" {
		// Sandbox replace responses omit the figi.
		order.FIGI = active.FIGI
	}
	if err := t.store.AddOrder(ctx, order); err != nil {
		return false, err
	}
	if err := t.store.CancelOrder(ctx, active.ID); err != nil {
		return false, err
	}
	t.bus.Publish(events.EventOrderReplaced, events.OrderEvent{
		FIGI:      active.FIGI,
		OrderID:   state.OrderID,
		Direction: string(active.Direction),
		Lots:      active.LotsRequested,
		Price:     price,
		Reason:    "replaced " + active.ID,
	})
	log.Printf("trader: order %s replaced by %s (account %s)", active.ID, state.OrderID, accountID)
	return true, nil
}

func (t *Trader) makeOrder(ctx context.Context, figi string, price float64,
	direction db.Direction, orderType string, atr float64) (bool, error) {
	accountID, err := t.accountID(ctx)
	if err != nil {
		return false, err
	}
	quantity, err := t.orderQuantity(ctx, accountID, figi, direction, price)
	if err != nil {
		return false, err
	}
	if quantity == 0 {
		return false, nil
	}

	q := invest.QuotationFromDecimal(decimal.NewFromFloat(price))
	state, err := t.broker.PostOrder(ctx, invest.PostOrderRequest{
		FIGI:      figi,
		Quantity:  invest.Int64String(quantity),
		Price:     &q,
		Direction: string(direction),
		AccountID: accountID,
		OrderType: orderType,
		OrderID:   uuid.NewString(),
	})
	if err != nil {
		return false, fmt.Errorf("post order for %s: %w", figi, err)
	}

	if err := t.store.AddOrder(ctx, convertOrder(state, accountID, atr)); err != nil {
		return false, err
	}
	t.bus.Publish(events.EventOrderPlaced, events.OrderEvent{
		FIGI:      figi,
		OrderID:   state.OrderID,
		Direction: string(direction),
		Lots:      quantity,
		Price:     price,
		Reason:    orderType,
	})
	log.Printf("trader: placed %s %s order %s for %s: %d lots at %.4f",
		direction, orderType, state.OrderID, figi, quantity, price)
	return true, nil
}

func (t *Trader) orderQuantity(ctx context.Context, accountID, figi string,
	direction db.Direction, price float64) (int64, error) {
	if direction == db.DirectionSell {
		return t.quantityToSell(ctx, accountID, figi)
	}
	return t.quantityToBuy(ctx, accountID, figi, price)
}

// quantityToBuy sizes an entry: floor of (percent of portfolio value) over
// the lot notional. Zero shares or a notional at or above free cash rejects
// the order.
func (t *Trader) quantityToBuy(ctx context.Context, accountID, figi string, price float64) (int64, error) {
	portfolio, err := t.broker.GetPortfolio(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("portfolio for %s: %w", accountID, err)
	}
	ticker, err := t.store.TickerByFIGI(ctx, figi)
	if err != nil {
		return 0, err
	}

	total := portfolio.TotalAmountPortfolio.Float64()
	notional := (t.buyPct / 100) * total
	shares := int64(math.Floor(notional / (price * float64(ticker.Lot))))
	cash := portfolio.TotalAmountCurrencies.Float64()

	if shares == 0 || notional >= cash {
		log.Printf("trader: WARNING: insufficient funds to buy %s (shares %d, notional %.2f, cash %.2f)",
			figi, shares, notional, cash)
		return 0, nil
	}
	if !t.sandbox && t.debug {
		return 1, nil
	}
	return shares, nil
}

// quantityToSell sizes an exit from the held balance.
func (t *Trader) quantityToSell(ctx context.Context, accountID, figi string) (int64, error) {
	positions, err := t.broker.GetPositions(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("positions for %s: %w", accountID, err)
	}
	for _, sec := range positions.Securities {
		if sec.FIGI == figi {
			ticker, err := t.store.TickerByFIGI(ctx, figi)
			if err != nil {
				return 0, err
			}
			return int64(sec.Balance) / ticker.Lot, nil
		}
	}
	log.Printf("trader: CRITICAL: no balance for %s in account %s", figi, accountID)
	return 0, nil
}

func convertOrder(state *invest.OrderState, accountID string, atr float64) db.Order {
	return db.Order{
		ID:                   state.OrderID,
		AccountID:            accountID,
		FIGI:                 state.FIGI,
		Direction:            db.Direction(state.Direction),
		OrderType:            state.OrderType,
		Status:               state.ExecutionReportStatus,
		LotsRequested:        int64(state.LotsRequested),
		LotsExecuted:         int64(state.LotsExecuted),
		InitialOrderPrice:    state.InitialOrderPrice.Float64(),
		ExecutedOrderPrice:   state.ExecutedOrderPrice.Float64(),
		TotalOrderAmount:     state.TotalOrderAmount.Float64(),
		InitialCommission:    state.InitialCommission.Float64(),
		ExecutedCommission:   state.ExecutedCommission.Float64(),
		InitialSecurityPrice: state.InitialSecurityPrice.Float64(),
		ATR:                  atr,
		CreatedAt:            time.Now().UTC(),
	}
}
