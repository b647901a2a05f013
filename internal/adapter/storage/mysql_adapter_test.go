package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

func testMySQLDSN() string {
	if dsn := os.Getenv("ALLOCATION_TEST_MYSQL_DSN"); dsn != "" {
		return dsn
	}
	return "root:root@tcp(localhost:3306)/allocation_test?parseTime=true"
}

func getMySQLDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := testMySQLDSN()

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	require.NoError(t, Migrate(dsn, newTestLogger()))

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testSKU returns a sku unique to this run and removes its rows afterwards.
func testSKU(t *testing.T, db *sqlx.DB) string {
	t.Helper()
	sku := "TEST-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		ctx := context.Background()
		db.ExecContext(ctx, `DELETE a FROM allocations a JOIN batches b ON b.id = a.batch_id WHERE b.sku = ?`, sku)
		db.ExecContext(ctx, `DELETE FROM order_lines WHERE sku = ?`, sku)
		db.ExecContext(ctx, `DELETE FROM batches WHERE sku = ?`, sku)
		db.ExecContext(ctx, `DELETE FROM products WHERE sku = ?`, sku)
	})
	return sku
}

func TestMySQLRoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	eta := time.Date(2030, 5, 17, 0, 0, 0, 0, time.UTC)

	seedProduct(t, adapter, sku,
		domain.NewBatch(sku+"-b1", sku, 20, nil),
		domain.NewBatch(sku+"-b2", sku, 20, &eta))

	var ref string
	err := port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
		bound, err := uow.Products().Get(ctx, sku)
		if err != nil {
			return err
		}
		ref, err = bound.Allocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 7})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, sku+"-b1", ref)

	product := loadProduct(t, adapter, sku)
	require.NotNil(t, product)
	assert.Equal(t, 1, product.VersionNumber)
	b1, ok := product.Batch(sku + "-b1")
	require.True(t, ok)
	assert.Equal(t, []domain.OrderLine{{OrderID: "o1", SKU: sku, Qty: 7}}, b1.Allocations())
	assert.Equal(t, 13, b1.AvailableQuantity())
	b2, ok := product.Batch(sku + "-b2")
	require.True(t, ok)
	require.NotNil(t, b2.ETA)
	assert.True(t, eta.Equal(*b2.ETA))

	var version int
	require.NoError(t, db.GetContext(ctx, &version, `SELECT version_number FROM products WHERE sku = ?`, sku))
	assert.Equal(t, 1, version)
}

func TestMySQLGetUnknownSku(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db, newTestLogger())

	assert.Nil(t, loadProduct(t, adapter, "NO-SUCH-"+uuid.NewString()[:8]))
}

func TestMySQLDeallocateWritesThrough(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	line := domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 5}
	batch := domain.NewBatch(sku+"-b1", sku, 10, nil)
	batch.Allocate(line)
	seedProduct(t, adapter, sku, batch)

	err := port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
		bound, err := uow.Products().Get(ctx, sku)
		if err != nil {
			return err
		}
		b, ok := bound.Batch(sku + "-b1")
		if !ok {
			return errors.New("batch not loaded")
		}
		return b.Deallocate(ctx, line)
	})
	require.NoError(t, err)

	b1, _ := loadProduct(t, adapter, sku).Batch(sku + "-b1")
	assert.Empty(t, b1.Allocations())
	assert.Equal(t, 10, b1.AvailableQuantity())
}

func TestMySQLRollsBack(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())

	t.Run("by default", func(t *testing.T) {
		sku := testSKU(t, db)
		seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

		uow, err := adapter.Begin(ctx)
		require.NoError(t, err)
		bound, err := uow.Products().Get(ctx, sku)
		require.NoError(t, err)
		_, err = bound.Allocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 3})
		require.NoError(t, err)
		require.NoError(t, uow.Close())

		product := loadProduct(t, adapter, sku)
		assert.Equal(t, 0, product.VersionNumber)
		b1, _ := product.Batch(sku + "-b1")
		assert.Empty(t, b1.Allocations())
	})

	t.Run("on error", func(t *testing.T) {
		sku := testSKU(t, db)
		boom := errors.New("boom")

		err := port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
			bound, err := uow.Products().Add(ctx, domain.NewProduct(sku))
			if err != nil {
				return err
			}
			if err := bound.AddBatch(ctx, domain.NewBatch(sku+"-b1", sku, 10, nil)); err != nil {
				return err
			}
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Nil(t, loadProduct(t, adapter, sku))
	})
}

func TestMySQLConcurrentAccessOnLockedProduct(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

	holder, err := adapter.Begin(ctx)
	require.NoError(t, err)
	defer holder.Close()
	_, err = holder.Products().Get(ctx, sku)
	require.NoError(t, err)

	contender, err := adapter.Begin(ctx)
	require.NoError(t, err)
	defer contender.Close()
	_, err = contender.Products().Get(ctx, sku)

	assert.ErrorIs(t, err, domain.ErrConcurrentAccess)
	var conflict *domain.ConcurrentAccessError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, sku, conflict.SKU)
}

func TestMySQLAddBatchIsIdempotent(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())

	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))
	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

	var count int
	require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM batches WHERE reference = ?`, sku+"-b1"))
	assert.Equal(t, 1, count)
}

func TestMySQLScopeClosedAfterCommit(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

	uow, err := adapter.Begin(ctx)
	require.NoError(t, err)
	bound, err := uow.Products().Get(ctx, sku)
	require.NoError(t, err)
	require.NoError(t, uow.Commit())

	_, err = bound.Allocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 1})
	assert.ErrorIs(t, err, port.ErrScopeClosed)
	assert.ErrorIs(t, uow.Commit(), port.ErrScopeClosed)
	assert.NoError(t, uow.Close())
}

func TestMySQLConcurrentAllocateWithCapacityForOne(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, orderID := range []string{"order-a", "order-b"} {
		wg.Add(1)
		go func(i int, orderID string) {
			defer wg.Done()
			errs[i] = port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
				bound, err := uow.Products().Get(ctx, sku)
				if err != nil {
					return err
				}
				_, err = bound.Allocate(ctx, domain.OrderLine{OrderID: orderID, SKU: sku, Qty: 10})
				return err
			})
		}(i, orderID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrConcurrentAccess) || errors.Is(err, domain.ErrOutOfStock), err)
	}
	assert.Equal(t, 1, succeeded)

	product := loadProduct(t, adapter, sku)
	b1, _ := product.Batch(sku + "-b1")
	assert.Len(t, b1.Allocations(), 1)
	assert.Equal(t, 1, product.VersionNumber)
}

func TestLockErrorClassification(t *testing.T) {
	t.Run("nowait conflict", func(t *testing.T) {
		err := lockError("LAMP", &mysql.MySQLError{Number: erLockNowait, Message: "lock not available"}, "lock product")

		assert.ErrorIs(t, err, domain.ErrConcurrentAccess)
		var conflict *domain.ConcurrentAccessError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "LAMP", conflict.SKU)
	})

	t.Run("other mysql error", func(t *testing.T) {
		err := lockError("LAMP", &mysql.MySQLError{Number: 1205, Message: "lock wait timeout"}, "lock product")

		assert.NotErrorIs(t, err, domain.ErrConcurrentAccess)
		assert.Contains(t, err.Error(), "lock product")
	})

	t.Run("driver error", func(t *testing.T) {
		err := lockError("LAMP", mysql.ErrInvalidConn, "lock product")

		assert.ErrorIs(t, err, mysql.ErrInvalidConn)
		assert.NotErrorIs(t, err, domain.ErrConcurrentAccess)
	})
}

func TestMySQLRejectsBatchOfAnotherSku(t *testing.T) {
	db := getMySQLDB(t)
	lamp := testSKU(t, db)
	rug := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	seedProduct(t, adapter, lamp, domain.NewBatch(lamp+"-b1", lamp, 10, nil))

	err := port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
		bound, err := uow.Products().Add(ctx, domain.NewProduct(rug))
		if err != nil {
			return err
		}
		return bound.AddBatch(ctx, domain.NewBatch(lamp+"-b1", rug, 5, nil))
	})

	assert.ErrorIs(t, err, domain.ErrBatchSKUMismatch)
	assert.Nil(t, loadProduct(t, adapter, rug))
	var owner string
	require.NoError(t, db.GetContext(ctx, &owner, `SELECT sku FROM batches WHERE reference = ?`, lamp+"-b1"))
	assert.Equal(t, lamp, owner)
}

// Two first-time adds for the same sku race on the products insert. The
// second blocks on the unique key rather than failing fast, then finds the row.
func TestMySQLConcurrentAddBatchForNewSku(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())

	addBatch := func(reference string) error {
		return port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
			bound, err := uow.Products().Get(ctx, sku)
			if err != nil {
				return err
			}
			if bound == nil {
				if bound, err = uow.Products().Add(ctx, domain.NewProduct(sku)); err != nil {
					return err
				}
			}
			return bound.AddBatch(ctx, domain.NewBatch(reference, sku, 10, nil))
		})
	}

	refs := []string{sku + "-b1", sku + "-b2"}
	errs := make([]error, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			for attempt := 0; attempt < 5; attempt++ {
				errs[i] = addBatch(ref)
				if !errors.Is(errs[i], domain.ErrConcurrentAccess) {
					return
				}
				time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			}
		}(i, ref)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	var products int
	require.NoError(t, db.GetContext(ctx, &products, `SELECT COUNT(*) FROM products WHERE sku = ?`, sku))
	assert.Equal(t, 1, products)

	product := loadProduct(t, adapter, sku)
	require.NotNil(t, product)
	assert.Len(t, product.Batches(), 2)
	for _, ref := range refs {
		_, ok := product.Batch(ref)
		assert.True(t, ok, ref)
	}
	assert.Equal(t, 0, product.VersionNumber)
}

func TestMySQLReallocateStoresNewQuantity(t *testing.T) {
	db := getMySQLDB(t)
	sku := testSKU(t, db)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, newTestLogger())
	seedProduct(t, adapter, sku, domain.NewBatch(sku+"-b1", sku, 10, nil))

	run := func(f func(bound *port.BoundProduct) error) {
		t.Helper()
		require.NoError(t, port.RunInUnitOfWork(ctx, adapter, func(uow port.UnitOfWork) error {
			bound, err := uow.Products().Get(ctx, sku)
			if err != nil {
				return err
			}
			return f(bound)
		}))
	}
	run(func(bound *port.BoundProduct) error {
		_, err := bound.Allocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 3})
		return err
	})
	run(func(bound *port.BoundProduct) error {
		_, err := bound.Deallocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 3})
		return err
	})
	run(func(bound *port.BoundProduct) error {
		_, err := bound.Allocate(ctx, domain.OrderLine{OrderID: "o1", SKU: sku, Qty: 7})
		return err
	})

	var qty int
	require.NoError(t, db.GetContext(ctx, &qty, `SELECT qty FROM order_lines WHERE order_id = ? AND sku = ?`, "o1", sku))
	assert.Equal(t, 7, qty)
	b1, _ := loadProduct(t, adapter, sku).Batch(sku + "-b1")
	assert.Equal(t, []domain.OrderLine{{OrderID: "o1", SKU: sku, Qty: 7}}, b1.Allocations())
}

func TestMigrateIsRepeatable(t *testing.T) {
	getMySQLDB(t)
	log, hook := test.NewNullLogger()

	require.NoError(t, Migrate(testMySQLDSN(), log))

	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, entry.Level, entry.Message)
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "schema is up to date", hook.LastEntry().Message)
}
