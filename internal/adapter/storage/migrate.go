package storage

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema behind dsn up to the latest embedded version.
// It opens and closes its own connection.
func Migrate(dsn string, log logrus.FieldLogger) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "mysql://"+dsn)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.WithField("source_error", srcErr).WithField("db_error", dbErr).Warn("close migrator")
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("schema is up to date")
		return nil
	}
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		log.WithField("version", dirty.Version).Error("schema is dirty")
		return errors.Errorf("migration failed: dirty database version %d", dirty.Version)
	}
	if err != nil {
		return errors.Wrap(err, "migrate up")
	}

	version, _, err := m.Version()
	if err != nil {
		log.WithError(err).Warn("read schema version")
	}
	log.WithField("version", version).Info("schema migrated")
	return nil
}
