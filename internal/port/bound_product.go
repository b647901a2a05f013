package port

import (
	"context"

	"github.com/rl1809/allocation/internal/core/domain"
)

// BoundProduct is a product loaded through a ProductRepository. Every mutation
// made through it is applied to the aggregate and written through to storage
// immediately. The binding is only valid inside the unit of work that produced it.
type BoundProduct struct {
	product *domain.Product
	applier EventApplier
}

func Bind(product *domain.Product, applier EventApplier) *BoundProduct {
	return &BoundProduct{product: product, applier: applier}
}

// Product exposes the aggregate for reading. Mutating it directly bypasses storage.
func (p *BoundProduct) Product() *domain.Product {
	return p.product
}

func (p *BoundProduct) SKU() string {
	return p.product.SKU
}

func (p *BoundProduct) AddBatch(ctx context.Context, batch *domain.Batch) error {
	return p.applier.Apply(ctx, p.product.AddBatch(batch)...)
}

func (p *BoundProduct) Allocate(ctx context.Context, line domain.OrderLine) (string, error) {
	ref, events, err := p.product.Allocate(line)
	if err != nil {
		return "", err
	}
	if err := p.applier.Apply(ctx, events...); err != nil {
		return "", err
	}
	return ref, nil
}

func (p *BoundProduct) Deallocate(ctx context.Context, line domain.OrderLine) (string, error) {
	ref, events := p.product.Deallocate(line)
	if err := p.applier.Apply(ctx, events...); err != nil {
		return "", err
	}
	return ref, nil
}

// Batch returns one of the product's batches bound to the same repository.
func (p *BoundProduct) Batch(reference string) (*BoundBatch, bool) {
	b, ok := p.product.Batch(reference)
	if !ok {
		return nil, false
	}
	return &BoundBatch{batch: b, applier: p.applier}, true
}

type BoundBatch struct {
	batch   *domain.Batch
	applier EventApplier
}

func (b *BoundBatch) Batch() *domain.Batch {
	return b.batch
}

func (b *BoundBatch) Allocate(ctx context.Context, line domain.OrderLine) error {
	return b.applier.Apply(ctx, b.batch.Allocate(line)...)
}

func (b *BoundBatch) Deallocate(ctx context.Context, line domain.OrderLine) error {
	return b.applier.Apply(ctx, b.batch.Deallocate(line)...)
}
