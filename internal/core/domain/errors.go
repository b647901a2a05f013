package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfStock         = errors.New("out of stock")
	ErrConcurrentAccess   = errors.New("concurrent access")
	ErrDuplicateOrderLine = errors.New("order line already allocated with another quantity")
	ErrBatchSKUMismatch   = errors.New("batch reference belongs to another sku")
)

// OutOfStockError reports that no batch can satisfy a line for SKU.
type OutOfStockError struct {
	SKU string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock for sku %s", e.SKU)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

// ConcurrentAccessError reports that another transaction holds the product
// for SKU. Callers may retry the whole use case.
type ConcurrentAccessError struct {
	SKU string
	Err error
}

func (e *ConcurrentAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("product %s is locked by another transaction: %v", e.SKU, e.Err)
	}
	return fmt.Sprintf("product %s is locked by another transaction", e.SKU)
}

func (e *ConcurrentAccessError) Is(target error) bool {
	return target == ErrConcurrentAccess
}

func (e *ConcurrentAccessError) Unwrap() error {
	return e.Err
}
