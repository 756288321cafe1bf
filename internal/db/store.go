// Package db provides the GORM-backed persistence layer for the gateway's
// audit and history tables.
package db

import (
	"database/sql"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store represents the database connection.
type Store struct {
	DB    *gorm.DB
	sqlDB *sql.DB
}

// Config holds database configuration.
type Config struct {
	Path     string          // Path to SQLite database file
	MaxConns int             // Maximum number of open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the database, runs migrations and enables WAL mode.
func NewStore(cfg Config) (*Store, error) {
	dsn := cfg.Path + "?_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		Conn:       sqlDB,
	}, &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// WAL mode and relaxed sync for concurrent readers; busy timeout lets
	// SQLite retry on locked writes instead of failing immediately.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &Store{DB: db, sqlDB: sqlDB}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// GetDB returns the GORM DB instance.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}

// GetRawDB returns the underlying *sql.DB for raw SQL.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}
