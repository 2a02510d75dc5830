package pg

import (
	_ "github.com/lib/pq"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

func Migrate(cfg Config, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err = goose.Up(db, dir); err != nil {
		return errors.Wrapf(err, "migrate up from %s", dir)
	}
	version, err := goose.GetDBVersion(db)
	if err == nil {
		logger.Info("[pg] migrations applied", "version", version)
	}

	return nil
}
