package db

import "time"

// Interval is a candle interval tier in the provider's wire format.
type Interval string

const (
	Interval5Min  Interval = "CANDLE_INTERVAL_5_MIN"
	Interval15Min Interval = "CANDLE_INTERVAL_15_MIN"
	IntervalHour  Interval = "CANDLE_INTERVAL_HOUR"
	IntervalDay   Interval = "CANDLE_INTERVAL_DAY"
)

// Duration returns the bar width of the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval5Min:
		return 5 * time.Minute
	case Interval15Min:
		return 15 * time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// Direction is an order side in the provider's wire format.
type Direction string

const (
	DirectionBuy  Direction = "ORDER_DIRECTION_BUY"
	DirectionSell Direction = "ORDER_DIRECTION_SELL"
)

// Order execution report statuses as reported by the broker.
const (
	StatusNew             = "EXECUTION_REPORT_STATUS_NEW"
	StatusPartiallyFilled = "EXECUTION_REPORT_STATUS_PARTIALLYFILL"
	StatusFilled          = "EXECUTION_REPORT_STATUS_FILL"
	StatusCancelled       = "EXECUTION_REPORT_STATUS_CANCELLED"
)

// Ticker is a tradable instrument. Onboarding creates the row with just a
// name; ingestion resolves figi/class_code/currency/lot/min_price_increment.
type Ticker struct {
	ID                int64
	Name              string
	FIGI              string
	ClassCode         string
	Currency          string
	Lot               int64
	MinPriceIncrement float64
	Disabled          bool
}

// Candle is one immutable OHLC bar.
type Candle struct {
	TickerID  int64
	Interval  Interval
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// IndicatorPoint is one EMA/ATR row per bar per span.
type IndicatorPoint struct {
	TickerID  int64
	Interval  Interval
	Span      int
	Timestamp time.Time
	EMA       float64
	ATR       float64
}

// Order mirrors a broker order locally.
type Order struct {
	ID                   string
	AccountID            string
	FIGI                 string
	Direction            Direction
	OrderType            string
	Status               string
	LotsRequested        int64
	LotsExecuted         int64
	InitialOrderPrice    float64
	ExecutedOrderPrice   float64
	TotalOrderAmount     float64
	InitialCommission    float64
	ExecutedCommission   float64
	InitialSecurityPrice float64
	ATR                  float64
	CreatedAt            time.Time
}

// Active reports whether the order still rests on the book.
func (o Order) Active() bool {
	return o.Status == StatusNew || o.Status == StatusPartiallyFilled
}

// Deal pairs a buy order with an eventual sell order for one round trip.
type Deal struct {
	ID        string
	TickerID  int64
	BuyOrder  string
	SellOrder string // empty while the deal is open
}
