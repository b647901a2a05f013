package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

const (
	selectProductForUpdate = `
		SELECT sku, version_number
		FROM products WHERE sku = ?
		FOR UPDATE NOWAIT`

	insertProduct = `
		INSERT INTO products (sku, version_number) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE sku = sku`

	updateProductVersion = `
		UPDATE products SET version_number = ?
		WHERE sku = ? AND version_number = ?`

	selectBatchesBySKU = `
		SELECT id, reference, sku, purchased_quantity, eta
		FROM batches WHERE sku = ?
		ORDER BY id`

	selectBatchID = `SELECT id FROM batches WHERE reference = ? FOR SHARE`

	selectBatchOwner = `SELECT id, sku FROM batches WHERE reference = ? FOR SHARE`

	insertBatch = `
		INSERT INTO batches (reference, sku, purchased_quantity, eta) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`

	selectAllocatedLines = `
		SELECT a.batch_id, a.order_line_id, ol.order_id, ol.sku, ol.qty
		FROM allocations a
		JOIN order_lines ol ON ol.id = a.order_line_id
		WHERE a.batch_id IN (?)`

	selectOrderLineID = `SELECT id FROM order_lines WHERE order_id = ? AND sku = ? FOR SHARE`

	insertOrderLine = `
		INSERT INTO order_lines (order_id, sku, qty) VALUES (?, ?, ?) AS new
		ON DUPLICATE KEY UPDATE qty = new.qty`

	insertAllocation = `
		INSERT INTO allocations (batch_id, order_line_id) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE id = id`

	deleteAllocation = `DELETE FROM allocations WHERE batch_id = ? AND order_line_id = ?`
)

type productRow struct {
	SKU           string `db:"sku"`
	VersionNumber int    `db:"version_number"`
}

type batchRow struct {
	ID                int64        `db:"id"`
	Reference         string       `db:"reference"`
	SKU               string       `db:"sku"`
	PurchasedQuantity int          `db:"purchased_quantity"`
	ETA               sql.NullTime `db:"eta"`
}

func (r batchRow) eta() *time.Time {
	if !r.ETA.Valid {
		return nil
	}
	return &r.ETA.Time
}

type allocatedLineRow struct {
	BatchID     int64  `db:"batch_id"`
	OrderLineID int64  `db:"order_line_id"`
	OrderID     string `db:"order_id"`
	SKU         string `db:"sku"`
	Qty         int    `db:"qty"`
}

// order lines are unique per (order_id, sku)
type lineKey struct {
	orderID string
	sku     string
}

func keyOf(line domain.OrderLine) lineKey {
	return lineKey{orderID: line.OrderID, sku: line.SKU}
}

// MySQLSynchronizer keeps products loaded inside one transaction in step with
// the products, batches, order_lines and allocations tables. Row ids are
// cached for the lifetime of the transaction.
type MySQLSynchronizer struct {
	tx       *sqlx.Tx
	log      logrus.FieldLogger
	detached bool
	batchIDs map[string]int64
	lineIDs  map[lineKey]int64
}

func newMySQLSynchronizer(tx *sqlx.Tx, log logrus.FieldLogger) *MySQLSynchronizer {
	return &MySQLSynchronizer{
		tx:       tx,
		log:      log,
		batchIDs: make(map[string]int64),
		lineIDs:  make(map[lineKey]int64),
	}
}

func (s *MySQLSynchronizer) detach() {
	s.detached = true
}

func (s *MySQLSynchronizer) Get(ctx context.Context, sku string) (*port.BoundProduct, error) {
	if s.detached {
		return nil, port.ErrScopeClosed
	}

	var row productRow
	err := s.tx.GetContext(ctx, &row, selectProductForUpdate, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lockError(sku, err, "lock product")
	}

	batches, err := s.loadBatches(ctx, sku)
	if err != nil {
		return nil, err
	}

	product := domain.NewProduct(row.SKU, batches...)
	product.VersionNumber = row.VersionNumber
	return port.Bind(product, s), nil
}

func (s *MySQLSynchronizer) Add(ctx context.Context, product *domain.Product) (*port.BoundProduct, error) {
	if s.detached {
		return nil, port.ErrScopeClosed
	}

	if _, err := s.tx.ExecContext(ctx, insertProduct, product.SKU, product.VersionNumber); err != nil {
		return nil, errors.Wrapf(err, "insert product %s", product.SKU)
	}
	for _, b := range product.Batches() {
		if err := s.insertBatch(ctx, b); err != nil {
			return nil, err
		}
	}
	return port.Bind(product, s), nil
}

// Apply writes the storage effect of each event in order.
func (s *MySQLSynchronizer) Apply(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if s.detached {
		return port.ErrScopeClosed
	}

	for _, event := range events {
		s.log.WithField("event", event.Type()).Debug("write-through")

		var err error
		switch e := event.(type) {
		case domain.LineAllocated:
			err = s.insertAllocation(ctx, e.BatchRef, e.Line)
		case domain.LineDeallocated:
			err = s.deleteAllocation(ctx, e.BatchRef, e.Line)
		case domain.BatchAdded:
			err = s.insertBatch(ctx, e.Batch)
		case domain.VersionIncremented:
			err = s.updateVersion(ctx, e)
		default:
			err = errors.Errorf("unsupported event %s", event.Type())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLSynchronizer) loadBatches(ctx context.Context, sku string) ([]*domain.Batch, error) {
	var rows []batchRow
	if err := s.tx.SelectContext(ctx, &rows, selectBatchesBySKU, sku); err != nil {
		return nil, errors.Wrapf(err, "select batches for %s", sku)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	batches := make([]*domain.Batch, 0, len(rows))
	byID := make(map[int64]*domain.Batch, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		b := domain.NewBatch(r.Reference, r.SKU, r.PurchasedQuantity, r.eta())
		batches = append(batches, b)
		byID[r.ID] = b
		ids = append(ids, r.ID)
		s.batchIDs[r.Reference] = r.ID
	}

	query, args, err := sqlx.In(selectAllocatedLines, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build allocations query")
	}
	var lines []allocatedLineRow
	if err := s.tx.SelectContext(ctx, &lines, s.tx.Rebind(query), args...); err != nil {
		return nil, errors.Wrapf(err, "select allocations for %s", sku)
	}
	for _, l := range lines {
		line := domain.OrderLine{OrderID: l.OrderID, SKU: l.SKU, Qty: l.Qty}
		s.lineIDs[keyOf(line)] = l.OrderLineID
		// reconstitution: events are not replayed into storage
		byID[l.BatchID].Allocate(line)
	}
	return batches, nil
}

func (s *MySQLSynchronizer) insertBatch(ctx context.Context, b *domain.Batch) error {
	eta := sql.NullTime{}
	if b.ETA != nil {
		eta = sql.NullTime{Time: *b.ETA, Valid: true}
	}
	if _, err := s.tx.ExecContext(ctx, insertBatch, b.Reference, b.SKU, b.PurchasedQuantity, eta); err != nil {
		return errors.Wrapf(err, "insert batch %s", b.Reference)
	}

	var owner struct {
		ID  int64  `db:"id"`
		SKU string `db:"sku"`
	}
	if err := s.tx.GetContext(ctx, &owner, selectBatchOwner, b.Reference); err != nil {
		return errors.Wrapf(err, "read back batch %s", b.Reference)
	}
	if owner.SKU != b.SKU {
		return errors.Wrapf(domain.ErrBatchSKUMismatch, "batch %s is stocked for %s, not %s", b.Reference, owner.SKU, b.SKU)
	}
	s.batchIDs[b.Reference] = owner.ID

	for _, line := range b.Allocations() {
		if err := s.insertAllocation(ctx, b.Reference, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLSynchronizer) batchID(ctx context.Context, reference string) (int64, error) {
	if id, ok := s.batchIDs[reference]; ok {
		return id, nil
	}
	var id int64
	if err := s.tx.GetContext(ctx, &id, selectBatchID, reference); err != nil {
		return 0, errors.Wrapf(err, "select batch %s", reference)
	}
	s.batchIDs[reference] = id
	return id, nil
}

// lineID returns the stored id of line. When create is set a missing row is
// inserted first; otherwise a missing row yields found == false.
func (s *MySQLSynchronizer) lineID(ctx context.Context, line domain.OrderLine, create bool) (int64, bool, error) {
	key := keyOf(line)
	if id, ok := s.lineIDs[key]; ok {
		return id, true, nil
	}

	if create {
		if _, err := s.tx.ExecContext(ctx, insertOrderLine, line.OrderID, line.SKU, line.Qty); err != nil {
			return 0, false, errors.Wrapf(err, "insert order line %s/%s", line.OrderID, line.SKU)
		}
	}

	var id int64
	err := s.tx.GetContext(ctx, &id, selectOrderLineID, line.OrderID, line.SKU)
	if errors.Is(err, sql.ErrNoRows) && !create {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "read back order line %s/%s", line.OrderID, line.SKU)
	}
	s.lineIDs[key] = id
	return id, true, nil
}

func (s *MySQLSynchronizer) insertAllocation(ctx context.Context, batchRef string, line domain.OrderLine) error {
	batchID, err := s.batchID(ctx, batchRef)
	if err != nil {
		return err
	}
	lineID, _, err := s.lineID(ctx, line, true)
	if err != nil {
		return err
	}

	if _, err := s.tx.ExecContext(ctx, insertAllocation, batchID, lineID); err != nil {
		return errors.Wrapf(err, "insert allocation %s/%s", batchRef, line.OrderID)
	}
	return nil
}

func (s *MySQLSynchronizer) deleteAllocation(ctx context.Context, batchRef string, line domain.OrderLine) error {
	batchID, err := s.batchID(ctx, batchRef)
	if err != nil {
		return err
	}
	lineID, found, err := s.lineID(ctx, line, false)
	if err != nil || !found {
		return err
	}

	if _, err := s.tx.ExecContext(ctx, deleteAllocation, batchID, lineID); err != nil {
		return errors.Wrapf(err, "delete allocation %s/%s", batchRef, line.OrderID)
	}
	return nil
}

func (s *MySQLSynchronizer) updateVersion(ctx context.Context, e domain.VersionIncremented) error {
	result, err := s.tx.ExecContext(ctx, updateProductVersion, e.Current, e.SKU, e.Previous)
	if err != nil {
		return errors.Wrapf(err, "update version of %s", e.SKU)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return &domain.ConcurrentAccessError{SKU: e.SKU, Err: ErrOptimisticLock}
	}
	return nil
}
