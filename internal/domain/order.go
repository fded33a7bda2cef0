package domain

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus represents the lifecycle of an order on the CLOB.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can happen on the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderRecord is an order placed by one follower run.
// Filled never exceeds Size and Status only moves forward (OPEN → terminal).
type OrderRecord struct {
	ID       string
	TokenID  string
	Side     Side
	Price    float64
	Size     float64
	Status   OrderStatus
	Filled   float64
	AvgPrice float64
	PlacedAt time.Time
}

// OrderSnapshot is one status poll of an order, normalized by the adapter.
// Filled is cumulative as reported by the exchange and may be noisy.
type OrderSnapshot struct {
	ID                  string
	TokenID             string
	Side                Side
	Status              OrderStatus
	Price               float64
	Size                float64
	Filled              float64
	AvgPrice            float64 // 0 if the exchange did not report one
	InsufficientBalance bool    // the exchange flagged the order for balance/allowance
}

// PlaceOrderRequest is sent to the CLOB order executor.
// Size is in shares; orders are GTC and accept partial fills.
type PlaceOrderRequest struct {
	TokenID      string
	Side         Side
	Price        float64
	Size         float64
	TimeInForce  string
	AllowPartial bool
}

// PlacedOrder is the response from the CLOB after placing an order.
type PlacedOrder struct {
	OrderID string
	Status  string
}

// TimeInForceGTC is the only time-in-force the followers use.
const TimeInForceGTC = "GTC"
