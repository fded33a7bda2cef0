// Package ledger turns repeated order status polls into monotonic fill
// accounting for one follower run.
package ledger

import (
	"math"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

type entry struct {
	record   domain.OrderRecord
	notional float64 // sum of delta·price over accounted fills
}

// Ledger is owned by a single follower run and is not safe for concurrent use.
type Ledger struct {
	orders map[string]*entry
	order  []string

	filled   float64
	notional float64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{orders: make(map[string]*entry)}
}

// Track registers a freshly placed order. Tracking an id twice keeps the
// first record.
func (l *Ledger) Track(rec domain.OrderRecord) {
	if rec.ID == "" {
		return
	}
	if _, ok := l.orders[rec.ID]; ok {
		return
	}
	if rec.Status == "" {
		rec.Status = domain.OrderOpen
	}
	rec.Filled = 0
	rec.AvgPrice = 0
	l.orders[rec.ID] = &entry{record: rec}
	l.order = append(l.order, rec.ID)
}

// Apply merges a status snapshot and returns the newly filled quantity.
// Cumulative fills never decrease and never exceed the placed size, so a
// noisy or repeated snapshot contributes nothing.
func (l *Ledger) Apply(s domain.OrderSnapshot) float64 {
	e, ok := l.orders[s.ID]
	if !ok {
		return 0
	}

	if rank(s.Status) > rank(e.record.Status) {
		e.record.Status = s.Status
	}

	price := s.AvgPrice
	if price <= 0 {
		price = e.record.Price
	}
	return l.accept(e, s.Filled, price)
}

// Credit attributes qty of externally reconciled fills to an order.
// The credit is capped so the order never exceeds its size.
func (l *Ledger) Credit(orderID string, qty float64) float64 {
	e, ok := l.orders[orderID]
	if !ok || qty <= 0 {
		return 0
	}
	return l.accept(e, e.record.Filled+qty, e.record.Price)
}

// Close forces a terminal status on an order, used after a cancel.
func (l *Ledger) Close(orderID string, status domain.OrderStatus) {
	e, ok := l.orders[orderID]
	if !ok || !status.Terminal() {
		return
	}
	if rank(status) > rank(e.record.Status) {
		e.record.Status = status
	}
}

func (l *Ledger) accept(e *entry, cumulative, price float64) float64 {
	if e.record.Size > 0 && cumulative > e.record.Size {
		cumulative = e.record.Size
	}
	delta := math.Max(cumulative-e.record.Filled, 0)
	if delta == 0 {
		return 0
	}

	e.record.Filled += delta
	e.notional += delta * price
	e.record.AvgPrice = e.notional / e.record.Filled

	l.filled += delta
	l.notional += delta * price
	return delta
}

// Filled returns the total accounted quantity across all orders.
func (l *Ledger) Filled() float64 {
	return l.filled
}

// Notional returns the total accounted quantity·price.
func (l *Ledger) Notional() float64 {
	return l.notional
}

// AvgPrice returns the volume weighted average fill price.
func (l *Ledger) AvgPrice() (float64, bool) {
	if l.filled <= 0 {
		return 0, false
	}
	return l.notional / l.filled, true
}

// Order returns the record for id.
func (l *Ledger) Order(id string) (domain.OrderRecord, bool) {
	e, ok := l.orders[id]
	if !ok {
		return domain.OrderRecord{}, false
	}
	return e.record, true
}

// Orders returns every tracked order in placement order.
func (l *Ledger) Orders() []domain.OrderRecord {
	out := make([]domain.OrderRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.orders[id].record)
	}
	return out
}

func rank(s domain.OrderStatus) int {
	if s.Terminal() {
		return 1
	}
	return 0
}
