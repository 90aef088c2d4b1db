package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// openStore opens the configured ledger store and returns a func that
// releases it.
func openStore(ctx context.Context, kind string, logger *zap.Logger) (auditledger.Store, func(), error) {
	switch kind {
	case "postgres":
		db, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return auditledger.NewPostgresStore(db, logger), db.Close, nil

	case "sqlite":
		path := viper.GetString("sqlite.path")
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := auditledger.OpenSQLiteStore(ctx, path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, "sqlite", logger), nil

	case "badger":
		s, err := auditledger.OpenBadgerStore(viper.GetString("badger.path"), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, "badger", logger), nil

	case "memory":
		logger.Warn("using in-memory ledger store; entries are lost on restart")
		return auditledger.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger.storage %q (want postgres, sqlite, badger or memory)", kind)
	}
}

func closer(fn func() error, name string, logger *zap.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Error("close ledger store", zap.String("storage", name), zap.Error(err))
		}
	}
}
