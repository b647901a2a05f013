package domain

import (
	"sort"
	"time"
)

// OrderLine is a customer's request for a quantity of one SKU under one order.
// It is a value: two lines with the same fields are the same line.
type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}

// Batch is a purchased quantity of one SKU, available from ETA (or now when ETA is nil).
// Batches are identified by Reference only.
type Batch struct {
	Reference         string
	SKU               string
	PurchasedQuantity int
	ETA               *time.Time

	allocations map[OrderLine]struct{}
}

func NewBatch(reference, sku string, qty int, eta *time.Time) *Batch {
	return &Batch{
		Reference:         reference,
		SKU:               sku,
		PurchasedQuantity: qty,
		ETA:               Date(eta),
		allocations:       make(map[OrderLine]struct{}),
	}
}

// Date truncates t to its calendar day at midnight UTC.
func Date(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &day
}

// Allocate adds line when the batch can hold it and returns LineAllocated.
// A line that does not fit, or is already held, is ignored.
func (b *Batch) Allocate(line OrderLine) []Event {
	if !b.CanAllocate(line) {
		return nil
	}
	if _, ok := b.allocations[line]; ok {
		return nil
	}
	if b.allocations == nil {
		b.allocations = make(map[OrderLine]struct{})
	}
	b.allocations[line] = struct{}{}
	return []Event{LineAllocated{BatchRef: b.Reference, Line: line}}
}

// Deallocate removes line if the batch holds it.
func (b *Batch) Deallocate(line OrderLine) []Event {
	if _, ok := b.allocations[line]; !ok {
		return nil
	}
	delete(b.allocations, line)
	return []Event{LineDeallocated{BatchRef: b.Reference, Line: line}}
}

func (b *Batch) CanAllocate(line OrderLine) bool {
	return b.SKU == line.SKU && b.AvailableQuantity() >= line.Qty
}

func (b *Batch) AllocatedQuantity() int {
	total := 0
	for line := range b.allocations {
		total += line.Qty
	}
	return total
}

func (b *Batch) AvailableQuantity() int {
	return b.PurchasedQuantity - b.AllocatedQuantity()
}

func (b *Batch) Holds(line OrderLine) bool {
	_, ok := b.allocations[line]
	return ok
}

// Allocations returns the held lines ordered by order id.
func (b *Batch) Allocations() []OrderLine {
	lines := make([]OrderLine, 0, len(b.allocations))
	for line := range b.allocations {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].OrderID != lines[j].OrderID {
			return lines[i].OrderID < lines[j].OrderID
		}
		return lines[i].SKU < lines[j].SKU
	})
	return lines
}

func (b *Batch) Equal(other *Batch) bool {
	return other != nil && b.Reference == other.Reference
}

// Before reports whether b is preferred over other for allocation: batches
// already in stock come first, then by earliest ETA, then by reference.
func (b *Batch) Before(other *Batch) bool {
	switch {
	case b.ETA == nil && other.ETA != nil:
		return true
	case b.ETA != nil && other.ETA == nil:
		return false
	case b.ETA != nil && !b.ETA.Equal(*other.ETA):
		return b.ETA.Before(*other.ETA)
	}
	return b.Reference < other.Reference
}

func (b *Batch) lineFor(orderID, sku string) (OrderLine, bool) {
	for line := range b.allocations {
		if line.OrderID == orderID && line.SKU == sku {
			return line, true
		}
	}
	return OrderLine{}, false
}

// Allocate assigns line to the preferred batch that can hold it and returns the
// batch reference. When none can, it returns an *OutOfStockError and leaves
// every batch untouched.
func Allocate(line OrderLine, batches []*Batch) (string, []Event, error) {
	eligible := make([]*Batch, 0, len(batches))
	for _, b := range batches {
		if b.CanAllocate(line) {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		return "", nil, &OutOfStockError{SKU: line.SKU}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Before(eligible[j])
	})

	chosen := eligible[0]
	return chosen.Reference, chosen.Allocate(line), nil
}
