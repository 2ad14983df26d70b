package invest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle intervals in the provider's wire format.
const (
	Interval5Min  = "CANDLE_INTERVAL_5_MIN"
	Interval15Min = "CANDLE_INTERVAL_15_MIN"
	IntervalHour  = "CANDLE_INTERVAL_HOUR"
	IntervalDay   = "CANDLE_INTERVAL_DAY"
)

// Order directions and types.
const (
	DirectionBuy  = "ORDER_DIRECTION_BUY"
	DirectionSell = "ORDER_DIRECTION_SELL"

	OrderTypeLimit  = "ORDER_TYPE_LIMIT"
	OrderTypeMarket = "ORDER_TYPE_MARKET"
)

// Execution report statuses.
const (
	StatusNew             = "EXECUTION_REPORT_STATUS_NEW"
	StatusPartiallyFilled = "EXECUTION_REPORT_STATUS_PARTIALLYFILL"
	StatusFilled          = "EXECUTION_REPORT_STATUS_FILL"
	StatusCancelled       = "EXECUTION_REPORT_STATUS_CANCELLED"
)

// Quotation is the provider's fixed-point number: integer units plus
// nanoseconds-style fractional part. The REST encoding carries units as a
// decimal string.
type Quotation struct {
	Units string `json:"units"`
	Nano  int32  `json:"nano"`
}

// Decimal converts the quotation to an exact decimal value.
func (q Quotation) Decimal() decimal.Decimal {
	units, _ := strconv.ParseInt(q.Units, 10, 64)
	return decimal.NewFromInt(units).Add(decimal.New(int64(q.Nano), -9))
}

// Float64 converts the quotation to a float, losing exactness. Used where
// values are persisted as REAL columns.
func (q Quotation) Float64() float64 {
	f, _ := q.Decimal().Float64()
	return f
}

// QuotationFromDecimal splits a decimal into units and nano parts.
func QuotationFromDecimal(d decimal.Decimal) Quotation {
	units := d.IntPart()
	nano := d.Sub(decimal.NewFromInt(units)).Shift(9).IntPart()
	return Quotation{Units: strconv.FormatInt(units, 10), Nano: int32(nano)}
}

// MoneyValue is a Quotation tagged with a currency code.
type MoneyValue struct {
	Currency string `json:"currency"`
	Units    string `json:"units"`
	Nano     int32  `json:"nano"`
}

// Float64 converts the money value to a float.
func (m MoneyValue) Float64() float64 {
	return Quotation{Units: m.Units, Nano: m.Nano}.Float64()
}

// Int64String is an int64 the REST API encodes as a JSON string
// (quantities, lots, balances).
type Int64String int64

func (i Int64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(i), 10))
}

func (i *Int64String) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Some sandbox responses emit bare numbers.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("int64 string: %w", err)
		}
		*i = Int64String(n)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("int64 string %q: %w", s, err)
	}
	*i = Int64String(n)
	return nil
}

// FormatTime renders a timestamp the way the API expects: UTC, RFC3339 with
// millisecond precision and a literal Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// InstrumentShort is one FindInstrument result row.
type InstrumentShort struct {
	FIGI           string `json:"figi"`
	Ticker         string `json:"ticker"`
	ClassCode      string `json:"classCode"`
	InstrumentType string `json:"instrumentType"`
	Name           string `json:"name"`
	UID            string `json:"uid"`
	APITradeFlag   bool   `json:"apiTradeAvailableFlag"`
}

// Share is the full instrument card returned by ShareBy.
type Share struct {
	FIGI              string    `json:"figi"`
	Ticker            string    `json:"ticker"`
	ClassCode         string    `json:"classCode"`
	Currency          string    `json:"currency"`
	Lot               int64     `json:"lot"`
	Name              string    `json:"name"`
	MinPriceIncrement Quotation `json:"minPriceIncrement"`
	BuyAvailableFlag  bool      `json:"buyAvailableFlag"`
	SellAvailableFlag bool      `json:"sellAvailableFlag"`
}

// HistoricCandle is one OHLCV bar from GetCandles.
type HistoricCandle struct {
	Open       Quotation   `json:"open"`
	High       Quotation   `json:"high"`
	Low        Quotation   `json:"low"`
	Close      Quotation   `json:"close"`
	Volume     Int64String `json:"volume"`
	Time       time.Time   `json:"time"`
	IsComplete bool        `json:"isComplete"`
}

// LastPrice is one row from GetLastPrices.
type LastPrice struct {
	FIGI  string    `json:"figi"`
	Price Quotation `json:"price"`
	Time  time.Time `json:"time"`
}

// PortfolioPosition is one holding inside GetPortfolio.
type PortfolioPosition struct {
	FIGI                 string     `json:"figi"`
	InstrumentType       string     `json:"instrumentType"`
	Quantity             Quotation  `json:"quantity"`
	AveragePositionPrice MoneyValue `json:"averagePositionPrice"`
	QuantityLots         Quotation  `json:"quantityLots"`
}

// Portfolio is the GetPortfolio response.
type Portfolio struct {
	TotalAmountShares     MoneyValue          `json:"totalAmountShares"`
	TotalAmountCurrencies MoneyValue          `json:"totalAmountCurrencies"`
	TotalAmountPortfolio  MoneyValue          `json:"totalAmountPortfolio"`
	ExpectedYield         Quotation           `json:"expectedYield"`
	Positions             []PortfolioPosition `json:"positions"`
}

// SecurityPosition is one row of the GetPositions securities block.
type SecurityPosition struct {
	FIGI           string      `json:"figi"`
	InstrumentType string      `json:"instrumentType"`
	Balance        Int64String `json:"balance"`
	Blocked        Int64String `json:"blocked"`
}

// Positions is the GetPositions response.
type Positions struct {
	Money      []MoneyValue       `json:"money"`
	Securities []SecurityPosition `json:"securities"`
}

// PostOrderRequest submits or replaces an order.
type PostOrderRequest struct {
	FIGI      string      `json:"figi"`
	Quantity  Int64String `json:"quantity"`
	Price     *Quotation  `json:"price,omitempty"`
	Direction string      `json:"direction"`
	AccountID string      `json:"accountId"`
	OrderType string      `json:"orderType"`
	OrderID   string      `json:"orderId"`
}

// OrderState is the broker's view of one order, shared by PostOrder,
// GetOrderState and GetOrders responses.
type OrderState struct {
	OrderID               string      `json:"orderId"`
	ExecutionReportStatus string      `json:"executionReportStatus"`
	LotsRequested         Int64String `json:"lotsRequested"`
	LotsExecuted          Int64String `json:"lotsExecuted"`
	InitialOrderPrice     MoneyValue  `json:"initialOrderPrice"`
	ExecutedOrderPrice    MoneyValue  `json:"executedOrderPrice"`
	TotalOrderAmount      MoneyValue  `json:"totalOrderAmount"`
	InitialCommission     MoneyValue  `json:"initialCommission"`
	ExecutedCommission    MoneyValue  `json:"executedCommission"`
	InitialSecurityPrice  MoneyValue  `json:"initialSecurityPrice"`
	FIGI                  string      `json:"figi"`
	Direction             string      `json:"direction"`
	OrderType             string      `json:"orderType"`
	Message               string      `json:"message"`
}

// ReplaceOrderRequest swaps a resting order for one with a new price.
type ReplaceOrderRequest struct {
	AccountID      string      `json:"accountId"`
	OrderID        string      `json:"orderId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Quantity       Int64String `json:"quantity"`
	Price          *Quotation  `json:"price,omitempty"`
}
