// Package busdb persists routes, buses and the admin credential.
//
// Three backends implement Store: SQLite (the default, also used by tests),
// PostgreSQL and MongoDB. They share one logical layout: a routes
// collection keyed by generated id, a buses collection keyed by generated id
// with a unique human-facing bus_id, and a single admin credential record.
package busdb

import (
	"context"
	"errors"

	"golang.org/x/text/cases"

	"bustracker.urbantransit.org/internal/models"
)

var (
	// ErrNotFound is returned when the addressed route, bus or credential does not exist.
	ErrNotFound = errors.New("busdb: not found")
	// ErrConflict is returned when a versioned write lost a race with another writer.
	ErrConflict = errors.New("busdb: concurrent update")
	// ErrDuplicate is returned when creating a bus whose bus_id is already taken.
	ErrDuplicate = errors.New("busdb: duplicate bus_id")
)

// Store is the persistence contract used by the API and the ETA engine.
type Store interface {
	CreateRoute(ctx context.Context, route models.Route) (models.Route, error)
	GetRoute(ctx context.Context, id string) (models.Route, error)
	ListRoutes(ctx context.Context, limit int) ([]models.Route, error)
	// SearchRoutes matches query as a case-insensitive literal substring of
	// route_number or route_name. An empty query lists all routes.
	SearchRoutes(ctx context.Context, query string, limit int) ([]models.Route, error)
	// UpdateRoute loads the route, lets mutate edit it and persists the
	// result. An error from mutate aborts the update and is returned as is.
	UpdateRoute(ctx context.Context, id string, mutate func(*models.Route) error) (models.Route, error)
	// DeleteRoute removes the route and every bus referencing it, returning
	// the number of buses removed.
	DeleteRoute(ctx context.Context, id string) (int64, error)
	// FindRouteByNumber returns the earliest route whose route_number equals
	// routeNumber, ignoring case.
	FindRouteByNumber(ctx context.Context, routeNumber string) (models.Route, error)
	CountRoutes(ctx context.Context) (int64, error)

	CreateBus(ctx context.Context, bus models.Bus) (models.Bus, error)
	GetBus(ctx context.Context, busID string) (models.Bus, error)
	ListBuses(ctx context.Context, limit int) ([]models.Bus, error)
	UpdateBus(ctx context.Context, busID string, mutate func(*models.Bus) error) (models.Bus, error)
	DeleteBus(ctx context.Context, busID string) error
	// UpsertBusLocation records a position fix, creating the bus on its
	// first report.
	UpsertBusLocation(ctx context.Context, report models.LocationReport) (models.Bus, error)
	// AdvancePreviousLocation replaces the bus's previous-location sample
	// only if the stored version still equals version. It returns
	// ErrConflict when another write got there first.
	AdvancePreviousLocation(ctx context.Context, id string, version int64, prev models.PreviousLocation) error

	GetAdminCredential(ctx context.Context, username string) (models.AdminCredential, error)
	SaveAdminCredential(ctx context.Context, cred models.AdminCredential) error

	Ping(ctx context.Context) error
	Close() error
}

// searchKey folds s for case-insensitive matching. Backends store it beside
// route_number and route_name so matching never depends on how the database
// itself lowercases non-ASCII text.
func searchKey(s string) string {
	return cases.Fold().String(s)
}
