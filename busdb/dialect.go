package busdb

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	driverName string
	schema     []string
	// positional placeholders: "?" for SQLite, "$n" for PostgreSQL
	numbered bool
}

var sqliteDialect = dialect{
	name:       "sqlite",
	driverName: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			route_number TEXT NOT NULL,
			route_name TEXT NOT NULL,
			starting_point TEXT NOT NULL,
			ending_point TEXT NOT NULL,
			stops TEXT NOT NULL,
			coordinates TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			route_number_search TEXT NOT NULL DEFAULT '',
			route_name_search TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_number_search ON routes(route_number_search)`,
		`CREATE TABLE IF NOT EXISTS buses (
			id TEXT PRIMARY KEY,
			bus_id TEXT NOT NULL UNIQUE,
			route_id TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			crowd_level TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			prev_latitude REAL,
			prev_longitude REAL,
			prev_timestamp INTEGER,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buses_route_id ON buses(route_id)`,
		`CREATE TABLE IF NOT EXISTS admin_credentials (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driverName: "pgx",
	numbered:   true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			route_number TEXT NOT NULL,
			route_name TEXT NOT NULL,
			starting_point TEXT NOT NULL,
			ending_point TEXT NOT NULL,
			stops TEXT NOT NULL,
			coordinates TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			route_number_search TEXT NOT NULL DEFAULT '',
			route_name_search TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_number_search ON routes(route_number_search)`,
		`CREATE TABLE IF NOT EXISTS buses (
			id TEXT PRIMARY KEY,
			bus_id TEXT NOT NULL UNIQUE,
			route_id TEXT NOT NULL DEFAULT '',
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			crowd_level TEXT NOT NULL,
			last_updated BIGINT NOT NULL,
			prev_latitude DOUBLE PRECISION,
			prev_longitude DOUBLE PRECISION,
			prev_timestamp BIGINT,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buses_route_id ON buses(route_id)`,
		`CREATE TABLE IF NOT EXISTS admin_credentials (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		)`,
	},
}

// rebind rewrites "?" placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return false
}

// escapeLike escapes LIKE metacharacters so the search stays a literal
// substring match. Queries use ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
