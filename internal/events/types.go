package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventSignalDetected Event = "signal.detected"
	EventOrderPlaced    Event = "order.placed"
	EventOrderReplaced  Event = "order.replaced"
	EventOrderCancelled Event = "order.cancelled"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventOperatorAlert  Event = "operator.alert"
)

// Signal describes a detected rebound setup on one ticker.
type Signal struct {
	Ticker   string
	FIGI     string
	Kind     string // SHORT, LONG or LONG_ORDER
	Price    float64
	EMA      float64
	Detected time.Time
}

// OrderEvent describes an order lifecycle transition.
type OrderEvent struct {
	Ticker    string
	FIGI      string
	OrderID   string
	Direction string
	Lots      int64
	Price     float64
	Reason    string
}

// PositionEvent describes a position opening or closing.
type PositionEvent struct {
	Ticker string
	FIGI   string
	DealID string
}

// Alert is a free-form operator notice.
type Alert struct {
	Text string
}
