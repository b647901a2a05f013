package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/config"
	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
	"github.com/rl1809/allocation/internal/port"
)

func main() {
	capacity := flag.Int("capacity", 20, "units in the single batch")
	totalRequests := flag.Int("requests", 50, "concurrent one-unit allocations")
	retries := flag.Int("retries", 5, "attempts per request on concurrent access")
	flag.Parse()

	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	var uow port.UnitOfWorkFactory
	if cfg.Storage == config.StorageMemory {
		uow = storage.NewMemoryAdapter(logger)
	} else {
		if err := storage.Migrate(cfg.MySQLDSN(), logger); err != nil {
			logger.WithError(err).Fatal("failed to migrate")
		}
		db, err := sqlx.Open("mysql", cfg.MySQLDSN())
		if err != nil {
			logger.WithError(err).Fatal("failed to connect mysql")
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		uow = storage.NewMySQLAdapter(db, logger)
	}

	svc := service.NewAllocationService(uow, logger)

	// a fresh sku per run so earlier runs never interfere
	sku := "STRESS-" + uuid.NewString()[:8]
	if err := svc.AddBatch(ctx, sku+"-batch", sku, *capacity, nil); err != nil {
		logger.WithError(err).Fatal("failed to add batch")
	}

	var successCount, outOfStockCount, conflictCount, errorCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orderID := uuid.NewString()

			for attempt := 0; attempt < *retries; attempt++ {
				_, err := svc.Allocate(ctx, orderID, sku, 1)
				switch {
				case err == nil:
					successCount.Add(1)
					return
				case errors.Is(err, domain.ErrOutOfStock):
					outOfStockCount.Add(1)
					return
				case errors.Is(err, domain.ErrConcurrentAccess):
					time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				default:
					errorCount.Add(1)
					logger.WithError(err).WithField("order_id", orderID).Error("allocation failed")
					return
				}
			}
			conflictCount.Add(1)
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("SKU:              %s\n", sku)
	fmt.Printf("Capacity:         %d\n", *capacity)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Allocated:        %d\n", success)
	fmt.Printf("Out Of Stock:     %d\n", outOfStockCount.Load())
	fmt.Printf("Gave Up (busy):   %d\n", conflictCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	view, err := svc.Product(ctx, sku)
	if err != nil {
		logger.WithError(err).Fatal("failed to read product")
	}
	available := view.Batches[0].AvailableQuantity
	allocated := len(view.Batches[0].Allocations)

	if available < 0 || allocated+available != *capacity {
		fmt.Printf("FAIL: capacity %d, allocated %d, available %d\n", *capacity, allocated, available)
	} else {
		fmt.Println("PASS: allocated quantity never exceeds purchased quantity")
	}
	if allocated != int(success) || view.VersionNumber != int(success) {
		fmt.Printf("FAIL: %d successes but %d stored allocations at version %d\n", success, allocated, view.VersionNumber)
	} else {
		fmt.Println("PASS: every successful allocation is stored exactly once")
	}
}
