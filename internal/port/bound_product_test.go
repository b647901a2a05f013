package port

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/allocation/internal/core/domain"
)

type recordingApplier struct {
	events []domain.Event
	err    error
}

func (r *recordingApplier) Apply(_ context.Context, events ...domain.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

func TestBoundProductWritesThroughEveryMutation(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	bound := Bind(domain.NewProduct("LAMP"), applier)
	batch := domain.NewBatch("b1", "LAMP", 10, nil)
	line := domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 3}

	require.NoError(t, bound.AddBatch(ctx, batch))
	ref, err := bound.Allocate(ctx, line)
	require.NoError(t, err)
	assert.Equal(t, "b1", ref)
	ref, err = bound.Deallocate(ctx, line)
	require.NoError(t, err)
	assert.Equal(t, "b1", ref)

	assert.Equal(t, []domain.Event{
		domain.BatchAdded{Batch: batch},
		domain.LineAllocated{BatchRef: "b1", Line: line},
		domain.VersionIncremented{SKU: "LAMP", Previous: 0, Current: 1},
		domain.LineDeallocated{BatchRef: "b1", Line: line},
	}, applier.events)
}

func TestBoundProductNoOpMutationsApplyNothing(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	batch := domain.NewBatch("b1", "LAMP", 10, nil)
	bound := Bind(domain.NewProduct("LAMP", batch), applier)

	require.NoError(t, bound.AddBatch(ctx, domain.NewBatch("b1", "LAMP", 10, nil)))
	ref, err := bound.Deallocate(ctx, domain.OrderLine{OrderID: "x", SKU: "LAMP", Qty: 1})
	require.NoError(t, err)

	assert.Empty(t, ref)
	assert.Empty(t, applier.events)
}

func TestBoundProductAllocateOutOfStockAppliesNothing(t *testing.T) {
	applier := &recordingApplier{}
	bound := Bind(domain.NewProduct("LAMP", domain.NewBatch("b1", "LAMP", 1, nil)), applier)

	_, err := bound.Allocate(context.Background(), domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 2})

	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Empty(t, applier.events)
	assert.Equal(t, 0, bound.Product().VersionNumber)
}

func TestBoundProductPropagatesApplyErrors(t *testing.T) {
	storageErr := errors.New("connection reset")
	bound := Bind(domain.NewProduct("LAMP", domain.NewBatch("b1", "LAMP", 10, nil)), &recordingApplier{err: storageErr})

	_, err := bound.Allocate(context.Background(), domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 2})

	assert.ErrorIs(t, err, storageErr)
}

func TestBoundBatchWritesThrough(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	bound := Bind(domain.NewProduct("LAMP", domain.NewBatch("b1", "LAMP", 10, nil)), applier)
	line := domain.OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 3}

	batch, ok := bound.Batch("b1")
	require.True(t, ok)
	require.NoError(t, batch.Allocate(ctx, line))
	require.NoError(t, batch.Deallocate(ctx, line))
	require.NoError(t, batch.Deallocate(ctx, line))

	assert.Equal(t, []domain.Event{
		domain.LineAllocated{BatchRef: "b1", Line: line},
		domain.LineDeallocated{BatchRef: "b1", Line: line},
	}, applier.events)
	assert.Equal(t, 10, batch.Batch().AvailableQuantity())

	_, ok = bound.Batch("missing")
	assert.False(t, ok)
}
