package storage

import (
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rl1809/allocation/internal/core/domain"
)

// ER_LOCK_NOWAIT: a NOWAIT locking read found the row locked.
const erLockNowait = 3572

var ErrOptimisticLock = errors.New("optimistic lock conflict")

func isLockNotAvailable(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == erLockNowait
}

// lockError maps lock contention on sku to domain.ConcurrentAccessError and
// wraps every other failure with msg.
func lockError(sku string, err error, msg string) error {
	if isLockNotAvailable(err) {
		return &domain.ConcurrentAccessError{SKU: sku, Err: err}
	}
	return errors.Wrap(err, msg)
}
