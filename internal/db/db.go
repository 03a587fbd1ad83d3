package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect opens the database for the given driver and applies migrations.
func Connect(driver, dsn string, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied", zap.String("driver", driver))
	return db, nil
}

// Migrate creates the message store schema for the connection's dialect.
// The users table belongs to the identity service and is created only when
// absent so that local setups work without it.
func Migrate(db *sqlx.DB) error {
	migrations := postgresMigrations
	if db.DriverName() == DriverSQLite {
		migrations = sqliteMigrations
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        email TEXT NOT NULL UNIQUE,
        full_name TEXT NOT NULL,
        password TEXT NOT NULL,
        profile_pic TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        id BIGSERIAL PRIMARY KEY,
        sender_id BIGINT NOT NULL,
        receiver_id BIGINT NOT NULL,
        pair_key TEXT NOT NULL,
        text TEXT,
        attachment_url TEXT,
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS messages_pair_created_idx ON messages (pair_key, created_at, id);`,
}

var sqliteMigrations = []string{
	`PRAGMA busy_timeout = 5000;`,
	`CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT NOT NULL UNIQUE,
        full_name TEXT NOT NULL,
        password TEXT NOT NULL,
        profile_pic TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        sender_id INTEGER NOT NULL,
        receiver_id INTEGER NOT NULL,
        pair_key TEXT NOT NULL,
        text TEXT,
        attachment_url TEXT,
        created_at DATETIME NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS messages_pair_created_idx ON messages (pair_key, created_at, id);`,
}
