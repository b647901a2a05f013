package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

var errLockHeld = errors.New("product held by another unit of work")

type memoryBatch struct {
	reference string
	sku       string
	qty       int
	eta       *time.Time
}

// memoryState mirrors the four MySQL tables.
type memoryState struct {
	products    map[string]int
	batches     map[string]memoryBatch
	lines       map[lineKey]int
	allocations map[lineKey]string
}

func newMemoryState() *memoryState {
	return &memoryState{
		products:    make(map[string]int),
		batches:     make(map[string]memoryBatch),
		lines:       make(map[lineKey]int),
		allocations: make(map[lineKey]string),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	return c
}

type change func(*memoryState)

func insertProductChange(sku string, version int) change {
	return func(s *memoryState) {
		if _, ok := s.products[sku]; !ok {
			s.products[sku] = version
		}
	}
}

func insertBatchChange(b *domain.Batch) change {
	row := memoryBatch{reference: b.Reference, sku: b.SKU, qty: b.PurchasedQuantity, eta: b.ETA}
	lines := b.Allocations()
	return func(s *memoryState) {
		if _, ok := s.batches[row.reference]; !ok {
			s.batches[row.reference] = row
		}
		for _, line := range lines {
			insertAllocationChange(row.reference, line)(s)
		}
	}
}

func insertAllocationChange(batchRef string, line domain.OrderLine) change {
	return func(s *memoryState) {
		key := keyOf(line)
		s.lines[key] = line.Qty
		if _, ok := s.allocations[key]; !ok {
			s.allocations[key] = batchRef
		}
	}
}

func deleteAllocationChange(batchRef string, line domain.OrderLine) change {
	return func(s *memoryState) {
		key := keyOf(line)
		if s.allocations[key] == batchRef {
			delete(s.allocations, key)
		}
	}
}

func updateVersionChange(e domain.VersionIncremented) change {
	return func(s *memoryState) {
		if s.products[e.SKU] == e.Previous {
			s.products[e.SKU] = e.Current
		}
	}
}

// MemoryAdapter is an in-process UnitOfWorkFactory with the same observable
// behaviour as MySQLAdapter. Writes are journaled per unit of work and only
// reach the shared state on commit.
type MemoryAdapter struct {
	mu    sync.Mutex
	state *memoryState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	log logrus.FieldLogger
}

func NewMemoryAdapter(log logrus.FieldLogger) *MemoryAdapter {
	return &MemoryAdapter{
		state: newMemoryState(),
		locks: make(map[string]*sync.Mutex),
		log:   log,
	}
}

func (m *MemoryAdapter) Begin(ctx context.Context) (port.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "begin unit of work")
	}
	return &MemoryUnitOfWork{
		adapter: m,
		held:    make(map[string]*sync.Mutex),
		state:   stateActive,
	}, nil
}

func (m *MemoryAdapter) lockFor(sku string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[sku]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sku] = l
	}
	return l
}

func (m *MemoryAdapter) snapshot() *memoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *MemoryAdapter) commit(journal []change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range journal {
		c(m.state)
	}
}

// MemoryUnitOfWork is both the unit of work and its product repository.
type MemoryUnitOfWork struct {
	adapter *MemoryAdapter
	journal []change
	held    map[string]*sync.Mutex
	state   unitOfWorkState
}

func (u *MemoryUnitOfWork) Products() port.ProductRepository {
	return u
}

// view is the committed state with this unit of work's own writes on top.
func (u *MemoryUnitOfWork) view() *memoryState {
	s := u.adapter.snapshot()
	for _, c := range u.journal {
		c(s)
	}
	return s
}

func (u *MemoryUnitOfWork) lock(sku string) error {
	if _, ok := u.held[sku]; ok {
		return nil
	}
	l := u.adapter.lockFor(sku)
	if !l.TryLock() {
		return &domain.ConcurrentAccessError{SKU: sku, Err: errLockHeld}
	}
	u.held[sku] = l
	return nil
}

func (u *MemoryUnitOfWork) Get(ctx context.Context, sku string) (*port.BoundProduct, error) {
	if u.state != stateActive {
		return nil, port.ErrScopeClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := u.lock(sku); err != nil {
		return nil, err
	}

	s := u.view()
	version, ok := s.products[sku]
	if !ok {
		return nil, nil
	}

	byRef := make(map[string]*domain.Batch)
	batches := make([]*domain.Batch, 0)
	for _, row := range s.batches {
		if row.sku != sku {
			continue
		}
		b := domain.NewBatch(row.reference, row.sku, row.qty, row.eta)
		byRef[row.reference] = b
		batches = append(batches, b)
	}
	for key, ref := range s.allocations {
		if b, ok := byRef[ref]; ok {
			b.Allocate(domain.OrderLine{OrderID: key.orderID, SKU: key.sku, Qty: s.lines[key]})
		}
	}

	product := domain.NewProduct(sku, batches...)
	product.VersionNumber = version
	return port.Bind(product, u), nil
}

func (u *MemoryUnitOfWork) Add(ctx context.Context, product *domain.Product) (*port.BoundProduct, error) {
	if u.state != stateActive {
		return nil, port.ErrScopeClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u.journal = append(u.journal, insertProductChange(product.SKU, product.VersionNumber))
	for _, b := range product.Batches() {
		if err := u.addBatch(b); err != nil {
			return nil, err
		}
	}
	return port.Bind(product, u), nil
}

func (u *MemoryUnitOfWork) Apply(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if u.state != stateActive {
		return port.ErrScopeClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, event := range events {
		switch e := event.(type) {
		case domain.LineAllocated:
			u.journal = append(u.journal, insertAllocationChange(e.BatchRef, e.Line))
		case domain.LineDeallocated:
			u.journal = append(u.journal, deleteAllocationChange(e.BatchRef, e.Line))
		case domain.BatchAdded:
			if err := u.addBatch(e.Batch); err != nil {
				return err
			}
		case domain.VersionIncremented:
			if u.view().products[e.SKU] != e.Previous {
				return &domain.ConcurrentAccessError{SKU: e.SKU, Err: ErrOptimisticLock}
			}
			u.journal = append(u.journal, updateVersionChange(e))
		default:
			return errors.Errorf("unsupported event %s", event.Type())
		}
	}
	return nil
}

// addBatch journals b unless its reference is already stocked for another sku.
func (u *MemoryUnitOfWork) addBatch(b *domain.Batch) error {
	if row, ok := u.view().batches[b.Reference]; ok && row.sku != b.SKU {
		return errors.Wrapf(domain.ErrBatchSKUMismatch, "batch %s is stocked for %s, not %s", b.Reference, row.sku, b.SKU)
	}
	u.journal = append(u.journal, insertBatchChange(b))
	return nil
}

func (u *MemoryUnitOfWork) Commit() error {
	if u.state != stateActive {
		return errors.Wrapf(port.ErrScopeClosed, "commit in state %s", u.state)
	}
	u.adapter.commit(u.journal)
	u.adapter.log.WithField("changes", len(u.journal)).Debug("memory unit of work committed")
	u.state = stateCommitted
	u.release()
	return nil
}

func (u *MemoryUnitOfWork) Rollback() error {
	if u.state != stateActive {
		return nil
	}
	u.journal = nil
	u.state = stateRolledBack
	u.release()
	return nil
}

func (u *MemoryUnitOfWork) Close() error {
	err := u.Rollback()
	u.state = stateClosed
	return err
}

func (u *MemoryUnitOfWork) release() {
	for sku, l := range u.held {
		l.Unlock()
		delete(u.held, sku)
	}
}
