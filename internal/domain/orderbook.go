package domain

import "strconv"

// BookSide selects one side of the order book.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// OrderBook representa el libro de órdenes de un token.
// Bids y Asks no se asumen ordenados: distintas fuentes los entregan
// en distinto orden, así que BestBid/BestAsk recorren todos los niveles.
type OrderBook struct {
	TokenID  string
	Bids     []BookEntry
	Asks     []BookEntry
	TickSize string // literal tick size reported by the exchange, "" if absent
}

// BookEntry es un nivel de precio en el orderbook.
// PriceText conserva la representación literal de la API para inferir decimales.
type BookEntry struct {
	Price     float64
	Size      float64
	PriceText string
}

// BestBidEntry devuelve el nivel con el mayor precio de compra.
func (ob OrderBook) BestBidEntry() (BookEntry, bool) {
	var best BookEntry
	found := false
	for _, b := range ob.Bids {
		if b.Price <= 0 {
			continue
		}
		if !found || b.Price > best.Price {
			best = b
			found = true
		}
	}
	return best, found
}

// BestAskEntry devuelve el nivel con el menor precio de venta.
func (ob OrderBook) BestAskEntry() (BookEntry, bool) {
	var best BookEntry
	found := false
	for _, a := range ob.Asks {
		if a.Price <= 0 {
			continue
		}
		if !found || a.Price < best.Price {
			best = a
			found = true
		}
	}
	return best, found
}

// Best devuelve el mejor nivel del lado pedido.
func (ob OrderBook) Best(side BookSide) (BookEntry, bool) {
	if side == BookAsk {
		return ob.BestAskEntry()
	}
	return ob.BestBidEntry()
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	e, _ := ob.BestBidEntry()
	return e.Price
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	e, _ := ob.BestAskEntry()
	return e.Price
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread devuelve el spread del book (ask - bid).
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// PriceSample is one resolved best price for a token side.
type PriceSample struct {
	Price       float64
	Decimals    int
	HasDecimals bool
}

// SampleFromEntry builds a PriceSample whose precision is inferred from the
// literal price text when present.
func SampleFromEntry(e BookEntry) PriceSample {
	text := e.PriceText
	if text == "" {
		text = strconv.FormatFloat(e.Price, 'f', -1, 64)
	}
	dp, ok := InferDecimals(text)
	return PriceSample{Price: e.Price, Decimals: dp, HasDecimals: ok}
}

// ParsePrice convierte un string de precio a float64.
// Usado en el mapping de la API.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
