package port

import (
	"context"

	"github.com/rl1809/allocation/internal/core/domain"
)

type AllocationCache interface {
	// Lookup returns the batch reference remembered for an order line, if any
	Lookup(ctx context.Context, line domain.OrderLine) (string, bool, error)

	// Remember stores the batch reference for an order line unless one is already stored
	Remember(ctx context.Context, line domain.OrderLine, batchRef string) error

	// Forget drops the remembered reference when it still points at batchRef
	Forget(ctx context.Context, line domain.OrderLine, batchRef string) error
}
