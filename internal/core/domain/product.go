package domain

import (
	"fmt"
	"sort"
)

// Product groups every batch of one SKU and is the unit of optimistic
// concurrency: VersionNumber grows by one per successful allocation.
type Product struct {
	SKU           string
	VersionNumber int

	batches map[string]*Batch
}

func NewProduct(sku string, batches ...*Batch) *Product {
	p := &Product{
		SKU:     sku,
		batches: make(map[string]*Batch, len(batches)),
	}
	for _, b := range batches {
		p.batches[b.Reference] = b
	}
	return p
}

// AddBatch inserts batch unless a batch with the same reference is already present.
func (p *Product) AddBatch(batch *Batch) []Event {
	if _, ok := p.batches[batch.Reference]; ok {
		return nil
	}
	if p.batches == nil {
		p.batches = make(map[string]*Batch)
	}
	p.batches[batch.Reference] = batch
	return []Event{BatchAdded{Batch: batch}}
}

// Allocate assigns line to one of the product's batches. Re-allocating a line
// that is already held returns the holding batch without any change.
func (p *Product) Allocate(line OrderLine) (string, []Event, error) {
	for _, b := range p.Batches() {
		held, ok := b.lineFor(line.OrderID, line.SKU)
		if !ok {
			continue
		}
		if held != line {
			return "", nil, fmt.Errorf("%w: order %s already holds %d of %s in batch %s",
				ErrDuplicateOrderLine, line.OrderID, held.Qty, line.SKU, b.Reference)
		}
		return b.Reference, nil, nil
	}

	ref, events, err := Allocate(line, p.Batches())
	if err != nil {
		return "", nil, err
	}

	previous := p.VersionNumber
	p.VersionNumber++
	events = append(events, VersionIncremented{SKU: p.SKU, Previous: previous, Current: p.VersionNumber})
	return ref, events, nil
}

// Deallocate releases line from whichever batch holds it and returns that
// batch's reference, or "" when no batch holds it.
func (p *Product) Deallocate(line OrderLine) (string, []Event) {
	for _, b := range p.Batches() {
		if b.Holds(line) {
			return b.Reference, b.Deallocate(line)
		}
	}
	return "", nil
}

func (p *Product) Batch(reference string) (*Batch, bool) {
	b, ok := p.batches[reference]
	return b, ok
}

// Batches returns the product's batches ordered by reference.
func (p *Product) Batches() []*Batch {
	batches := make([]*Batch, 0, len(p.batches))
	for _, b := range p.batches {
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].Reference < batches[j].Reference
	})
	return batches
}
