package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/billably/billably/internal/clock"
	"github.com/billably/billably/internal/config"
	"github.com/billably/billably/internal/creditnote"
	"github.com/billably/billably/internal/events"
	"github.com/billably/billably/internal/invoice"
	"github.com/billably/billably/internal/ledger"
	"github.com/billably/billably/internal/logger"
	"github.com/billably/billably/internal/migration"
	"github.com/billably/billably/internal/sequence"
	"github.com/billably/billably/pkg/db"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		clock.Module,
		fx.Provide(
			func(conn *gorm.DB, cfg config.Config, log *zap.Logger) sequence.Locker {
				return sequence.NewPostgresLocker(conn, cfg.SequenceLockWait, log)
			},
			sequence.NewAllocator,
			events.NewOutbox,
		),
		fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			log.Info("billing core ready", zap.String("version", version))
			return nil
		}),
		ledger.Module,
		invoice.Module,
		creditnote.Module,
	)
	app.Run()
}
