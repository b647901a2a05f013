package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/allocation/internal/port"
)

// MySQLAdapter opens one unit of work per use case against a shared pool.
type MySQLAdapter struct {
	db  *sqlx.DB
	log logrus.FieldLogger
}

func NewMySQLAdapter(db *sqlx.DB, log logrus.FieldLogger) *MySQLAdapter {
	return &MySQLAdapter{db: db, log: log}
}

// Begin starts a READ COMMITTED transaction and binds a fresh synchronizer to it.
func (m *MySQLAdapter) Begin(ctx context.Context) (port.UnitOfWork, error) {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return newMySQLUnitOfWork(tx, m.log), nil
}

type unitOfWorkState int

const (
	stateActive unitOfWorkState = iota
	stateCommitted
	stateRolledBack
	stateClosed
)

func (s unitOfWorkState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled-back"
	default:
		return "closed"
	}
}

type MySQLUnitOfWork struct {
	tx       *sqlx.Tx
	products *MySQLSynchronizer
	log      logrus.FieldLogger
	state    unitOfWorkState
}

func newMySQLUnitOfWork(tx *sqlx.Tx, log logrus.FieldLogger) *MySQLUnitOfWork {
	return &MySQLUnitOfWork{
		tx:       tx,
		products: newMySQLSynchronizer(tx, log),
		log:      log,
		state:    stateActive,
	}
}

func (u *MySQLUnitOfWork) Products() port.ProductRepository {
	return u.products
}

func (u *MySQLUnitOfWork) Commit() error {
	if u.state != stateActive {
		return errors.Wrapf(port.ErrScopeClosed, "commit in state %s", u.state)
	}
	u.products.detach()

	if err := u.tx.Commit(); err != nil {
		u.state = stateRolledBack
		return errors.Wrap(err, "commit tx")
	}
	u.state = stateCommitted
	return nil
}

func (u *MySQLUnitOfWork) Rollback() error {
	if u.state != stateActive {
		return nil
	}
	u.products.detach()
	u.state = stateRolledBack

	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.log.WithError(err).Error("rollback failed")
		return errors.Wrap(err, "rollback tx")
	}
	return nil
}

func (u *MySQLUnitOfWork) Close() error {
	err := u.Rollback()
	u.state = stateClosed
	return err
}
