package port

import (
	"context"
	"errors"
)

var ErrScopeClosed = errors.New("unit of work is no longer active")

// UnitOfWork scopes one storage transaction and exposes the single
// ProductRepository bound to it.
type UnitOfWork interface {
	Products() ProductRepository

	// Commit makes every write of the scope durable
	Commit() error

	// Rollback discards every write of the scope; it is a no-op once the scope has finished
	Rollback() error

	// Close ends the scope, rolling back when Commit was not called
	Close() error
}

type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// RunInUnitOfWork runs fn inside a fresh scope and commits when fn succeeds.
// The scope is rolled back on any error.
func RunInUnitOfWork(ctx context.Context, factory UnitOfWorkFactory, fn func(uow UnitOfWork) error) (err error) {
	uow, err := factory.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := uow.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}
