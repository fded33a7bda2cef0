package polymarket

import (
	"sort"
	"strings"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

// mapOrderBook converts a /book response. Ladders win; best_bid/best_ask
// are used when the ladders are empty, and a bare price fills both sides
// when nothing else is present.
func mapOrderBook(tokenID string, r orderBookResponse) domain.OrderBook {
	if r.AssetID != "" {
		tokenID = r.AssetID
	}
	ob := domain.OrderBook{
		TokenID:  tokenID,
		Bids:     mapBookEntries(r.Bids, false),
		Asks:     mapBookEntries(r.Asks, true),
		TickSize: string(r.TickSize),
	}
	if len(ob.Bids) > 0 || len(ob.Asks) > 0 {
		return ob
	}

	if r.BestBid.Set() || r.BestAsk.Set() {
		ob.Bids = scalarLevel(r.BestBid)
		ob.Asks = scalarLevel(r.BestAsk)
		return ob
	}
	ob.Bids = scalarLevel(r.Price)
	ob.Asks = scalarLevel(r.Price)
	return ob
}

func scalarLevel(p numText) []domain.BookEntry {
	if v := p.Float(); v > 0 {
		return []domain.BookEntry{{Price: v, PriceText: string(p)}}
	}
	return nil
}

// mapBookEntries converts raw levels and sorts them best first.
// ascending=true → lowest first (asks), ascending=false → highest first (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, size := r.Price.Float(), r.Size.Float()
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size, PriceText: string(r.Price)})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapOrder normalizes one order payload.
func mapOrder(o clobOrder) domain.OrderSnapshot {
	id := o.ID
	if id == "" {
		id = o.OrderID
	}
	size := o.OriginalSize.Float()
	if size == 0 {
		size = o.Size.Float()
	}

	snap := domain.OrderSnapshot{
		ID:                  id,
		TokenID:             o.AssetID,
		Side:                normalizeSide(o.Side),
		Status:              normalizeStatus(o.Status),
		Price:               o.Price.Float(),
		Size:                size,
		Filled:              filledOf(o),
		AvgPrice:            avgPriceOf(o),
		InsufficientBalance: domain.HasInsufficientMarker(o.ErrorMsg) || domain.HasInsufficientMarker(o.Status),
	}
	return snap
}

// filledOf reads size_matched, then filledAmount, then the sum of fills.
func filledOf(o clobOrder) float64 {
	switch {
	case o.SizeMatched.Set():
		return o.SizeMatched.Float()
	case o.FilledAmount.Set():
		return o.FilledAmount.Float()
	}
	var sum float64
	for _, f := range o.Fills {
		sum += f.Size.Float()
	}
	return sum
}

// avgPriceOf reads avgPrice, then the VWAP of fills, then the limit price.
func avgPriceOf(o clobOrder) float64 {
	if v := o.AvgPrice.Float(); v > 0 {
		return v
	}
	var qty, notional float64
	for _, f := range o.Fills {
		q := f.Size.Float()
		qty += q
		notional += q * f.Price.Float()
	}
	if qty > 0 {
		return notional / qty
	}
	return o.Price.Float()
}

func normalizeStatus(s string) domain.OrderStatus {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case u == "MATCHED" || u == "FILLED":
		return domain.OrderFilled
	case strings.Contains(u, "CANCEL"):
		return domain.OrderCancelled
	case u == "INVALID" || u == "REJECTED":
		return domain.OrderRejected
	case u == "EXPIRED":
		return domain.OrderExpired
	}
	// LIVE, OPEN, DELAYED, UNMATCHED and anything unknown keep the order resting.
	return domain.OrderOpen
}

func normalizeSide(s string) domain.Side {
	if strings.EqualFold(strings.TrimSpace(s), "SELL") {
		return domain.SideSell
	}
	return domain.SideBuy
}
