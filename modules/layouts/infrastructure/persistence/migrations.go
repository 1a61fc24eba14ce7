package persistence

import (
	"context"
	"embed"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies pending layout migrations. It is safe to call on every
// start; applied versions are tracked in goose_db_version.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logrus.Entry) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "open layout migrations")
	}

	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer func() { _ = db.Close() }()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return errors.Wrap(err, "init layout migrations")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "apply layout migrations")
	}
	if log != nil {
		for _, res := range results {
			log.WithFields(logrus.Fields{
				"version":  res.Source.Version,
				"duration": res.Duration,
			}).Info("layout migration applied")
		}
	}
	return nil
}
