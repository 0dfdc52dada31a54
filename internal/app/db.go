package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
	"github.com/openfms/telematics-gateway/internal/migrate"
	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/gormrepo"
	pgstorage "github.com/openfms/telematics-gateway/internal/storage/pg"
)

// ConnectDBAndMigrate opens the connection pool and, if enabled, runs
// pending migrations before the gateway starts accepting traffic.
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, migrateDir string, log *zap.Logger) (*pgxpool.Pool, error) {
	dbpool, err := pgstorage.NewPool(ctx, cfg.DSN, cfg.PoolSize, 0, cfg.ConnMaxLifetime, log)
	if err != nil {
		if log != nil {
			log.Error("db connect error", zap.Error(err))
		}
		return nil, err
	}
	if cfg.AutoMigrate {
		if err = (migrate.Runner{Dir: migrateDir}).Up(ctx, dbpool); err != nil {
			if log != nil {
				log.Error("db migrate error", zap.Error(err))
			}
			return dbpool, err
		}
		if log != nil {
			log.Info("db migrations applied")
		}
	}
	return dbpool, nil
}

// NewRepository opens gorm's own connection to the same database and
// wraps it as the CoreRepo the presence store depends on. gorm is
// kept alongside pgx's pool (used for migrations and health checks)
// rather than replacing it, matching how the stack already keeps both
// drivers for the concerns they each cover best.
func NewRepository(cfg cfgpkg.DatabaseConfig, log *zap.Logger) (storage.CoreRepo, error) {
	gormLevel := gormlogger.Warn
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap gorm sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	log.Info("gorm repository initialized")
	return gormrepo.New(db), nil
}
