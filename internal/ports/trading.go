package ports

import (
	"context"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// TradingClient is the exchange capability surface the followers consume.
// Adapters implement it once per concrete exchange client.
type TradingClient interface {
	// OrderBook returns the normalized book for a token.
	OrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)

	// PlaceOrder submits a GTC limit order that accepts partial fills.
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error)

	// OrderStatus returns the current state of an order.
	OrderStatus(ctx context.Context, orderID string) (domain.OrderSnapshot, error)

	// CancelOrder cancels an order. Orders already closed are not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// OpenOrders lists resting orders for a token.
	OpenOrders(ctx context.Context, tokenID string) ([]domain.OrderSnapshot, error)
}

// PositionProvider reads the wallet's current holding of a token, in shares.
type PositionProvider interface {
	TokenBalance(ctx context.Context, tokenID string) (float64, error)
}
