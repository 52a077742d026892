package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
)

const pingAttempts = 30

type Database struct {
	DB     *sql.DB
	Config config.DatabaseConnection
}

// DSN builds the driver connection string for cfg.
func DSN(cfg config.DatabaseConnection) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.MultiStatements = true
	// Report matched rather than changed rows so no-op updates still count.
	mc.ClientFoundRows = true
	return mc.FormatDSN()
}

// NewDatabase opens a pool and waits for the server to accept connections.
func NewDatabase(ctx context.Context, cfg config.DatabaseConnection) (*Database, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:     db,
		Config: cfg,
	}, nil
}

// Wrap adopts an already opened pool.
func Wrap(db *sql.DB) *Database {
	return &Database{DB: db}
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes fn within a transaction. fn's error rolls it back.
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	return tx.Commit()
}

// IsDuplicateKey reports whether err is a MySQL unique key violation.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
