package busdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
)

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	DB      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

const routeColumns = `id, route_number, route_name, starting_point, ending_point, stops, coordinates, created_at`

const busColumns = `id, bus_id, route_id, latitude, longitude, crowd_level, last_updated,
	prev_latitude, prev_longitude, prev_timestamp, version`

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	s := &SQLStore{DB: db, dialect: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, s.logger, "migrate")

	for _, stmt := range s.dialect.schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error creating schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing schema: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (models.Route, error) {
	var (
		r         models.Route
		stops     string
		coords    string
		createdAt int64
	)
	err := row.Scan(&r.ID, &r.RouteNumber, &r.RouteName, &r.StartingPoint, &r.EndingPoint, &stops, &coords, &createdAt)
	if err != nil {
		return models.Route{}, err
	}
	if err := json.Unmarshal([]byte(stops), &r.Stops); err != nil {
		return models.Route{}, fmt.Errorf("decoding stops of route %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(coords), &r.Coordinates); err != nil {
		return models.Route{}, fmt.Errorf("decoding coordinates of route %s: %w", r.ID, err)
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}

func encodeRouteLists(r models.Route) (string, string, error) {
	stops := r.Stops
	if stops == nil {
		stops = []string{}
	}
	coords := r.Coordinates
	if coords == nil {
		coords = []models.Coordinate{}
	}
	s, err := json.Marshal(stops)
	if err != nil {
		return "", "", err
	}
	c, err := json.Marshal(coords)
	if err != nil {
		return "", "", err
	}
	return string(s), string(c), nil
}

func scanBus(row rowScanner) (models.Bus, error) {
	var (
		b           models.Bus
		crowd       string
		lastUpdated int64
		prevLat     sql.NullFloat64
		prevLon     sql.NullFloat64
		prevTS      sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.BusID, &b.RouteID, &b.Latitude, &b.Longitude, &crowd, &lastUpdated,
		&prevLat, &prevLon, &prevTS, &b.Version)
	if err != nil {
		return models.Bus{}, err
	}
	b.CrowdLevel = models.CrowdLevel(crowd)
	b.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	if prevLat.Valid && prevLon.Valid && prevTS.Valid {
		b.PreviousLocation = &models.PreviousLocation{
			Latitude:  prevLat.Float64,
			Longitude: prevLon.Float64,
			Timestamp: time.UnixMilli(prevTS.Int64).UTC(),
		}
	}
	return b, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) CreateRoute(ctx context.Context, route models.Route) (models.Route, error) {
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now()
	}
	route.CreatedAt = route.CreatedAt.Truncate(time.Millisecond).UTC()

	stops, coords, err := encodeRouteLists(route)
	if err != nil {
		return models.Route{}, fmt.Errorf("encoding route: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO routes (`+routeColumns+`, route_number_search, route_name_search)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		route.ID, route.RouteNumber, route.RouteName, route.StartingPoint, route.EndingPoint,
		stops, coords, route.CreatedAt.UnixMilli(), searchKey(route.RouteNumber), searchKey(route.RouteName))
	if err != nil {
		return models.Route{}, fmt.Errorf("error inserting route: %w", err)
	}
	return route, nil
}

func (s *SQLStore) GetRoute(ctx context.Context, id string) (models.Route, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes WHERE id = ?`), id)
	route, err := scanRoute(row)
	if err != nil {
		return models.Route{}, notFoundOr(err)
	}
	return route, nil
}

func (s *SQLStore) queryRoutes(ctx context.Context, query string, args ...any) ([]models.Route, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying routes: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "routes_rows")

	routes := []models.Route{}
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

func (s *SQLStore) ListRoutes(ctx context.Context, limit int) ([]models.Route, error) {
	return s.queryRoutes(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY created_at, id LIMIT ?`, limit)
}

func (s *SQLStore) SearchRoutes(ctx context.Context, query string, limit int) ([]models.Route, error) {
	if query == "" {
		return s.ListRoutes(ctx, limit)
	}
	pattern := "%" + escapeLike(searchKey(query)) + "%"
	return s.queryRoutes(ctx, `SELECT `+routeColumns+` FROM routes
		WHERE route_number_search LIKE ? ESCAPE '\' OR route_name_search LIKE ? ESCAPE '\'
		ORDER BY created_at, id LIMIT ?`, pattern, pattern, limit)
}

func (s *SQLStore) FindRouteByNumber(ctx context.Context, routeNumber string) (models.Route, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes
		WHERE route_number_search = ? ORDER BY created_at, id LIMIT 1`), searchKey(routeNumber))
	route, err := scanRoute(row)
	if err != nil {
		return models.Route{}, notFoundOr(err)
	}
	return route, nil
}

func (s *SQLStore) UpdateRoute(ctx context.Context, id string, mutate func(*models.Route) error) (models.Route, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Route{}, fmt.Errorf("error starting transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, s.logger, "update_route")

	route, err := scanRoute(tx.QueryRowContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes WHERE id = ?`), id))
	if err != nil {
		return models.Route{}, notFoundOr(err)
	}

	updated := route
	if err := mutate(&updated); err != nil {
		return models.Route{}, err
	}
	updated.ID = route.ID
	updated.CreatedAt = route.CreatedAt

	stops, coords, err := encodeRouteLists(updated)
	if err != nil {
		return models.Route{}, fmt.Errorf("encoding route: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE routes SET route_number = ?, route_name = ?, starting_point = ?,
		ending_point = ?, stops = ?, coordinates = ?, route_number_search = ?, route_name_search = ? WHERE id = ?`),
		updated.RouteNumber, updated.RouteName, updated.StartingPoint, updated.EndingPoint, stops, coords,
		searchKey(updated.RouteNumber), searchKey(updated.RouteName), id)
	if err != nil {
		return models.Route{}, fmt.Errorf("error updating route: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Route{}, fmt.Errorf("error committing transaction: %w", err)
	}
	return updated, nil
}

func (s *SQLStore) DeleteRoute(ctx context.Context, id string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, s.logger, "delete_route")

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM routes WHERE id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("error deleting route: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, ErrNotFound
	}

	res, err = tx.ExecContext(ctx, s.q(`DELETE FROM buses WHERE route_id = ?`), id)
	if err != nil {
		return 0, fmt.Errorf("error deleting buses of route: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing transaction: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) CountRoutes(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&n)
	return n, err
}

func (s *SQLStore) CreateBus(ctx context.Context, bus models.Bus) (models.Bus, error) {
	if bus.ID == "" {
		bus.ID = uuid.NewString()
	}
	if bus.CrowdLevel == "" {
		bus.CrowdLevel = models.CrowdLow
	}
	if bus.LastUpdated.IsZero() {
		bus.LastUpdated = time.Now()
	}
	bus.LastUpdated = bus.LastUpdated.Truncate(time.Millisecond).UTC()
	bus.PreviousLocation = nil
	bus.Version = 0

	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO buses (id, bus_id, route_id, latitude, longitude, crowd_level, last_updated, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`),
		bus.ID, bus.BusID, bus.RouteID, bus.Latitude, bus.Longitude, string(bus.CrowdLevel), bus.LastUpdated.UnixMilli())
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return models.Bus{}, ErrDuplicate
		}
		return models.Bus{}, fmt.Errorf("error inserting bus: %w", err)
	}
	return bus, nil
}

func (s *SQLStore) GetBus(ctx context.Context, busID string) (models.Bus, error) {
	bus, err := scanBus(s.DB.QueryRowContext(ctx, s.q(`SELECT `+busColumns+` FROM buses WHERE bus_id = ?`), busID))
	if err != nil {
		return models.Bus{}, notFoundOr(err)
	}
	return bus, nil
}

func (s *SQLStore) ListBuses(ctx context.Context, limit int) ([]models.Bus, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+busColumns+` FROM buses ORDER BY bus_id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("error querying buses: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "buses_rows")

	buses := []models.Bus{}
	for rows.Next() {
		bus, err := scanBus(rows)
		if err != nil {
			return nil, err
		}
		buses = append(buses, bus)
	}
	return buses, rows.Err()
}

func (s *SQLStore) UpdateBus(ctx context.Context, busID string, mutate func(*models.Bus) error) (models.Bus, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Bus{}, fmt.Errorf("error starting transaction: %w", err)
	}
	defer logging.SafeRollbackWithLogging(tx, s.logger, "update_bus")

	bus, err := scanBus(tx.QueryRowContext(ctx, s.q(`SELECT `+busColumns+` FROM buses WHERE bus_id = ?`), busID))
	if err != nil {
		return models.Bus{}, notFoundOr(err)
	}

	updated := bus
	if err := mutate(&updated); err != nil {
		return models.Bus{}, err
	}
	updated.ID = bus.ID
	updated.BusID = bus.BusID
	updated.PreviousLocation = bus.PreviousLocation
	updated.LastUpdated = time.Now().Truncate(time.Millisecond).UTC()
	updated.Version = bus.Version + 1

	res, err := tx.ExecContext(ctx, s.q(`UPDATE buses SET route_id = ?, latitude = ?, longitude = ?, crowd_level = ?,
		last_updated = ?, version = version + 1 WHERE id = ? AND version = ?`),
		updated.RouteID, updated.Latitude, updated.Longitude, string(updated.CrowdLevel),
		updated.LastUpdated.UnixMilli(), bus.ID, bus.Version)
	if err != nil {
		return models.Bus{}, fmt.Errorf("error updating bus: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Bus{}, err
	} else if n == 0 {
		return models.Bus{}, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return models.Bus{}, fmt.Errorf("error committing transaction: %w", err)
	}
	return updated, nil
}

func (s *SQLStore) DeleteBus(ctx context.Context, busID string) error {
	res, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM buses WHERE bus_id = ?`), busID)
	if err != nil {
		return fmt.Errorf("error deleting bus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpsertBusLocation(ctx context.Context, report models.LocationReport) (models.Bus, error) {
	at := report.At
	if at.IsZero() {
		at = time.Now()
	}
	insertCrowd := report.CrowdLevel
	if insertCrowd == "" {
		insertCrowd = models.CrowdLow
	}

	// A single statement keeps the insert-or-update atomic; empty optional
	// fields keep their stored values on update.
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO buses (id, bus_id, route_id, latitude, longitude, crowd_level, last_updated, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (bus_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			last_updated = excluded.last_updated,
			route_id = CASE WHEN ? = '' THEN buses.route_id ELSE excluded.route_id END,
			crowd_level = CASE WHEN ? = '' THEN buses.crowd_level ELSE excluded.crowd_level END,
			version = buses.version + 1`),
		uuid.NewString(), report.BusID, report.RouteID, report.Latitude, report.Longitude,
		string(insertCrowd), at.UnixMilli(),
		report.RouteID, string(report.CrowdLevel))
	if err != nil {
		return models.Bus{}, fmt.Errorf("error upserting bus location: %w", err)
	}

	return s.GetBus(ctx, report.BusID)
}

func (s *SQLStore) AdvancePreviousLocation(ctx context.Context, id string, version int64, prev models.PreviousLocation) error {
	res, err := s.DB.ExecContext(ctx, s.q(`UPDATE buses SET prev_latitude = ?, prev_longitude = ?, prev_timestamp = ?,
		version = version + 1 WHERE id = ? AND version = ?`),
		prev.Latitude, prev.Longitude, prev.Timestamp.UnixMilli(), id, version)
	if err != nil {
		return fmt.Errorf("error updating previous location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.DB.QueryRowContext(ctx, s.q(`SELECT 1 FROM buses WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return notFoundOr(err)
	}
	return ErrConflict
}

func (s *SQLStore) GetAdminCredential(ctx context.Context, username string) (models.AdminCredential, error) {
	var cred models.AdminCredential
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT username, password_hash FROM admin_credentials WHERE username = ?`), username).
		Scan(&cred.Username, &cred.PasswordHash)
	if err != nil {
		return models.AdminCredential{}, notFoundOr(err)
	}
	return cred, nil
}

func (s *SQLStore) SaveAdminCredential(ctx context.Context, cred models.AdminCredential) error {
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO admin_credentials (username, password_hash) VALUES (?, ?)
		ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`),
		cred.Username, cred.PasswordHash)
	if err != nil {
		return fmt.Errorf("error saving admin credential: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}
