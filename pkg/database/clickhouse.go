package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"frameworks/pkg/config"
	"frameworks/pkg/logging"
)

// ClickHouseConn represents a ClickHouse connection through the database/sql interface
type ClickHouseConn = *sql.DB

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	Debug       bool
	DialTimeout time.Duration
}

// DefaultClickHouseConfig returns default ClickHouse configuration
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Addr:        []string{"127.0.0.1:9000"},
		Database:    "default",
		Username:    "default",
		DialTimeout: 5 * time.Second,
	}
}

// ClickHouseConfigFromEnv reads CLICKHOUSE_*; Addr stays empty when
// CLICKHOUSE_ADDRS is unset, which callers treat as "not configured".
func ClickHouseConfigFromEnv() ClickHouseConfig {
	cfg := DefaultClickHouseConfig()
	cfg.Addr = config.GetEnvList("CLICKHOUSE_ADDRS", nil)
	cfg.Database = config.GetEnv("CLICKHOUSE_DATABASE", cfg.Database)
	cfg.Username = config.GetEnv("CLICKHOUSE_USERNAME", cfg.Username)
	cfg.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
	cfg.Debug = config.GetEnvBool("CLICKHOUSE_DEBUG", false)
	return cfg
}

// ConnectClickHouse opens a database/sql handle on ClickHouse and pings it
func ConnectClickHouse(ctx context.Context, cfg ClickHouseConfig, logger logging.Logger) (ClickHouseConn, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("clickhouse address is required")
	}

	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Debug:       cfg.Debug,
	})

	if err := ping(ctx, conn, cfg.DialTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	logging.OrDiscard(logger).WithFields(logging.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("Connected to ClickHouse (SQL interface)")

	return conn, nil
}
