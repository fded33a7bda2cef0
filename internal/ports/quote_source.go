package ports

import "github.com/alejandrodnm/polyfollow/internal/domain"

// QuoteSource is a low-latency push source of best prices (websocket).
// ok is false when the source has no fresh quote for the token side.
type QuoteSource interface {
	BestPrice(tokenID string, side domain.BookSide) (sample domain.PriceSample, ok bool)
}
