package polymarket

// clob.go: public market data endpoints of the CLOB.

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const bookPath = "/book"

// OrderBook fetches the book for one token with GET /book.
// A token without a book returns an error wrapping domain.ErrNotFound.
func (c *Client) OrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, bookPath, url.QueryEscape(tokenID))

	var resp orderBookResponse
	if err := c.get(ctx, c.bookLimiter, u, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("clob.OrderBook %s: %w", tokenID, err)
	}

	book := mapOrderBook(tokenID, resp)
	c.log.Debug("order book fetched", "token", tokenID, "bids", len(book.Bids), "asks", len(book.Asks))
	return book, nil
}
