package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

var (
	ErrInvalidSku      = errors.New("invalid sku")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
)

// InvalidSkuError reports an allocation request for a sku with no product.
type InvalidSkuError struct {
	SKU string
}

func (e *InvalidSkuError) Error() string {
	return fmt.Sprintf("invalid sku %s", e.SKU)
}

func (e *InvalidSkuError) Is(target error) bool {
	return target == ErrInvalidSku
}

type AllocationService struct {
	uow   port.UnitOfWorkFactory
	cache port.AllocationCache
	log   logrus.FieldLogger
}

type Option func(*AllocationService)

// WithAllocationCache gives Allocate a hint for replays of a known order line.
// A hint is only trusted once the stored product confirms the batch holds the line.
func WithAllocationCache(cache port.AllocationCache) Option {
	return func(s *AllocationService) {
		s.cache = cache
	}
}

func NewAllocationService(uow port.UnitOfWorkFactory, log logrus.FieldLogger, opts ...Option) *AllocationService {
	s := &AllocationService{uow: uow, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddBatch records a new batch, creating the product on first sight of sku.
// Adding a reference that already exists is a no-op.
func (s *AllocationService) AddBatch(ctx context.Context, reference, sku string, qty int, eta *time.Time) error {
	switch {
	case reference == "":
		return fmt.Errorf("%w: batch reference is required", ErrInvalidInput)
	case sku == "":
		return fmt.Errorf("%w: sku is required", ErrInvalidInput)
	case qty < 0:
		return fmt.Errorf("%w: batch quantity must not be negative", ErrInvalidInput)
	}

	err := port.RunInUnitOfWork(ctx, s.uow, func(uow port.UnitOfWork) error {
		product, err := uow.Products().Get(ctx, sku)
		if err != nil {
			return err
		}
		if product == nil {
			if product, err = uow.Products().Add(ctx, domain.NewProduct(sku)); err != nil {
				return err
			}
		}
		return product.AddBatch(ctx, domain.NewBatch(reference, sku, qty, eta))
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{"batch_ref": reference, "sku": sku, "qty": qty}).Info("batch added")
	return nil
}

// Allocate assigns an order line to the preferred batch of its product and
// returns the batch reference.
func (s *AllocationService) Allocate(ctx context.Context, orderID, sku string, qty int) (string, error) {
	if err := validateLine(orderID, sku, qty); err != nil {
		return "", err
	}
	log := s.log.WithFields(logrus.Fields{"order_id": orderID, "sku": sku})

	line := domain.OrderLine{OrderID: orderID, SKU: sku, Qty: qty}
	hint, hinted := s.lookup(ctx, log, line)

	var ref string
	var confirmed, stale bool
	err := port.RunInUnitOfWork(ctx, s.uow, func(uow port.UnitOfWork) error {
		product, err := uow.Products().Get(ctx, sku)
		if err != nil {
			return err
		}
		if product == nil {
			return &InvalidSkuError{SKU: sku}
		}
		if hinted {
			if b, ok := product.Product().Batch(hint); ok && b.Holds(line) {
				ref, confirmed = hint, true
				return nil
			}
			stale = true
		}
		ref, err = product.Allocate(ctx, line)
		return err
	})
	if stale {
		s.forget(ctx, log.WithField("stale", true), line, hint)
	}
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentAccess) {
			log.WithError(err).Warn("allocation conflict")
		}
		return "", err
	}
	if confirmed {
		log.WithField("batch_ref", ref).Debug("allocation confirmed from cache")
		return ref, nil
	}

	if s.cache != nil {
		if err := s.cache.Remember(ctx, line, ref); err != nil {
			log.WithError(err).Warn("remember allocation")
		}
	}
	log.WithField("batch_ref", ref).Info("line allocated")
	return ref, nil
}

// Deallocate releases an order line and returns the batch that held it, or ""
// when the line was not allocated.
func (s *AllocationService) Deallocate(ctx context.Context, orderID, sku string, qty int) (string, error) {
	if err := validateLine(orderID, sku, qty); err != nil {
		return "", err
	}
	log := s.log.WithFields(logrus.Fields{"order_id": orderID, "sku": sku})

	line := domain.OrderLine{OrderID: orderID, SKU: sku, Qty: qty}
	var ref string
	err := port.RunInUnitOfWork(ctx, s.uow, func(uow port.UnitOfWork) error {
		product, err := uow.Products().Get(ctx, sku)
		if err != nil {
			return err
		}
		if product == nil {
			return &InvalidSkuError{SKU: sku}
		}
		ref, err = product.Deallocate(ctx, line)
		return err
	})
	if err != nil {
		return "", err
	}

	if ref != "" {
		s.forget(ctx, log, line, ref)
	}
	log.WithField("batch_ref", ref).Info("line deallocated")
	return ref, nil
}

// Product returns a snapshot of the product for sku. Nothing is written.
func (s *AllocationService) Product(ctx context.Context, sku string) (ProductView, error) {
	if sku == "" {
		return ProductView{}, fmt.Errorf("%w: sku is required", ErrInvalidInput)
	}

	uow, err := s.uow.Begin(ctx)
	if err != nil {
		return ProductView{}, err
	}
	defer uow.Close()

	product, err := uow.Products().Get(ctx, sku)
	if err != nil {
		return ProductView{}, err
	}
	if product == nil {
		return ProductView{}, &InvalidSkuError{SKU: sku}
	}
	return newProductView(product.Product()), nil
}

func (s *AllocationService) lookup(ctx context.Context, log logrus.FieldLogger, line domain.OrderLine) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	ref, ok, err := s.cache.Lookup(ctx, line)
	if err != nil {
		log.WithError(err).Warn("lookup allocation")
		return "", false
	}
	return ref, ok
}

func (s *AllocationService) forget(ctx context.Context, log logrus.FieldLogger, line domain.OrderLine, ref string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Forget(ctx, line, ref); err != nil {
		log.WithError(err).Warn("forget allocation")
	}
}

func validateLine(orderID, sku string, qty int) error {
	switch {
	case orderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	case sku == "":
		return fmt.Errorf("%w: sku is required", ErrInvalidInput)
	case qty <= 0:
		return ErrInvalidQuantity
	}
	return nil
}
