package busdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config selects and addresses a backend.
type Config struct {
	Driver string
	// DSN is a file path for SQLite (default bustracker.db), a connection
	// string for PostgreSQL and a URI for MongoDB.
	DSN           string
	MongoDatabase string
	// Test forces an in-memory SQLite database.
	Test   bool
	Logger *slog.Logger
}

// Open connects to the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "bustracker.db"
		}
		if cfg.Test {
			dsn = ":memory:"
		}
		return openSQL(ctx, sqliteDialect, dsn, logger)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
		return openSQL(ctx, postgresDialect, cfg.DSN, logger)
	case DriverMongo:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mongo store requires a URI")
		}
		database := cfg.MongoDatabase
		if database == "" {
			database = "bustracker"
		}
		return openMongo(ctx, cfg.DSN, database, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSQL(ctx context.Context, d dialect, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %s database: %w", d.name, err)
	}

	if d.name == sqliteDialect.name {
		// SQLite allows one writer; for :memory: every connection would
		// otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to %s database: %w", d.name, err)
	}

	store, err := newSQLStore(ctx, db, d, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store opened", slog.String("driver", d.name))
	return store, nil
}
