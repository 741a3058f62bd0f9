package db

import (
	"errors"

	"github.com/billably/billably/internal/config"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ErrMissingDatabaseURL = errors.New("missing_database_url")

// Open connects to the configured Postgres database.
func Open(cfg config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
	})
}

var Module = fx.Module("db",
	fx.Provide(Open),
)
