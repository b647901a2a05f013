package port

import (
	"context"

	"github.com/rl1809/allocation/internal/core/domain"
)

type ProductRepository interface {
	// Get loads the product for sku, or returns nil, nil when the sku is unknown.
	// It fails with domain.ErrConcurrentAccess when another transaction holds the product.
	Get(ctx context.Context, sku string) (*BoundProduct, error)

	// Add stores a new product and binds it so later mutations are persisted
	Add(ctx context.Context, product *domain.Product) (*BoundProduct, error)
}

// EventApplier writes the storage effect of domain events inside the current transaction.
type EventApplier interface {
	Apply(ctx context.Context, events ...domain.Event) error
}
