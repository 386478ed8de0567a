package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/config"
	dcache "github.com/AoaoMH/Aether/internal/cache"
	"github.com/AoaoMH/Aether/internal/database"
	"github.com/AoaoMH/Aether/dispatch/model"
)

// newCacheManager connects to the Redis-backed cache shared by the
// Cache Affinity Manager (C6) and Adaptive RPM Manager (C7).
func newCacheManager(cfg config.RedisConfig, logger *zap.Logger) (*dcache.Manager, error) {
	cacheCfg := dcache.DefaultConfig()
	cacheCfg.Addr = cfg.Addr
	cacheCfg.Password = cfg.Password
	cacheCfg.DB = cfg.DB
	cacheCfg.PoolSize = cfg.PoolSize
	cacheCfg.MinIdleConns = cfg.MinIdleConns
	return dcache.NewManager(cacheCfg, logger)
}

// loadConfig loads and validates the application config from configPath
// (or the loader's defaults if unset).
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogger builds a zap.Logger the same way the teacher's cmd/agentflow
// does: console encoding for local development, JSON for production.
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openDatabase opens the gorm connection named by dbCfg.Driver, wraps it
// in a database.PoolManager for connection-pool tuning and health
// checks, and AutoMigrates the dispatch core's schema.
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*database.PoolManager, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Provider{},
		&model.ProviderEndpoint{},
		&model.ProviderAPIKey{},
		&model.GlobalModel{},
		&model.Model{},
		&model.User{},
		&model.ApiKey{},
		&model.RequestCandidate{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init connection pool: %w", err)
	}

	logger.Info("database connected", zap.String("driver", dbCfg.Driver))
	return pool, nil
}
