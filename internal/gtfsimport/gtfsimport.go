// Package gtfsimport turns a static GTFS feed into bus routes.
package gtfsimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jamespfennell/gtfs"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
)

const downloadTimeout = 60 * time.Second

// Stats summarizes one import run.
type Stats struct {
	Created int
	Skipped int
}

// IsRemote reports whether source should be downloaded rather than read from disk.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func rawGtfsData(ctx context.Context, source string) ([]byte, error) {
	if !IsRemote(source) {
		b, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("error reading local GTFS file: %w", err)
		}
		return b, nil
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("error building GTFS request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading GTFS data: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, slog.Default(), "gtfs_download_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading GTFS data: unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading GTFS data: %w", err)
	}
	return b, nil
}

// Load reads and parses a GTFS zip from a local path or URL.
func Load(ctx context.Context, source string) (*gtfs.Static, error) {
	b, err := rawGtfsData(ctx, source)
	if err != nil {
		return nil, err
	}
	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("error parsing GTFS data: %w", err)
	}
	return staticData, nil
}

// RoutesFromStatic builds one route per GTFS route, using the stop sequence
// of that route's longest trip. Stops without coordinates are dropped;
// routes left with no stops are omitted. Output follows feed route order.
func RoutesFromStatic(staticData *gtfs.Static) []models.Route {
	longest := make(map[string]*gtfs.ScheduledTrip)
	for i := range staticData.Trips {
		trip := &staticData.Trips[i]
		if trip.Route == nil {
			continue
		}
		if cur, ok := longest[trip.Route.Id]; !ok || len(trip.StopTimes) > len(cur.StopTimes) {
			longest[trip.Route.Id] = trip
		}
	}

	var routes []models.Route
	for _, r := range staticData.Routes {
		trip, ok := longest[r.Id]
		if !ok {
			continue
		}
		stops, coords := stopSequence(trip)
		if len(stops) == 0 {
			continue
		}
		routes = append(routes, models.Route{
			RouteNumber:   pickFirstAvailable(r.ShortName, r.Id),
			RouteName:     pickFirstAvailable(r.LongName, r.ShortName, r.Id),
			StartingPoint: stops[0],
			EndingPoint:   stops[len(stops)-1],
			Stops:         stops,
			Coordinates:   coords,
		})
	}
	return routes
}

func stopSequence(trip *gtfs.ScheduledTrip) ([]string, []models.Coordinate) {
	stopTimes := make([]gtfs.ScheduledStopTime, len(trip.StopTimes))
	copy(stopTimes, trip.StopTimes)
	sort.SliceStable(stopTimes, func(i, j int) bool {
		return stopTimes[i].StopSequence < stopTimes[j].StopSequence
	})

	var stops []string
	var coords []models.Coordinate
	for _, st := range stopTimes {
		s := st.Stop
		if s == nil || s.Latitude == nil || s.Longitude == nil {
			continue
		}
		stops = append(stops, pickFirstAvailable(s.Name, s.Id))
		coords = append(coords, models.Coordinate{Latitude: *s.Latitude, Longitude: *s.Longitude})
	}
	return stops, coords
}

func pickFirstAvailable(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Import writes routes to store. A route whose route_number already exists
// is skipped, so re-running an import is harmless.
func Import(ctx context.Context, store busdb.Store, routes []models.Route, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats Stats
	start := time.Now()

	for _, route := range routes {
		exists, err := routeNumberExists(ctx, store, route.RouteNumber)
		if err != nil {
			return stats, err
		}
		if exists {
			stats.Skipped++
			continue
		}

		if fieldErrors := route.Validate(); len(fieldErrors) > 0 {
			logger.Warn("skipping invalid GTFS route",
				slog.String("route_number", route.RouteNumber),
				slog.Any("errors", fieldErrors))
			stats.Skipped++
			continue
		}

		if _, err := store.CreateRoute(ctx, route); err != nil {
			return stats, fmt.Errorf("creating route %s: %w", route.RouteNumber, err)
		}
		stats.Created++
	}

	logging.LogOperation(logger, "gtfs_import_completed",
		slog.Int("created", stats.Created),
		slog.Int("skipped", stats.Skipped),
		slog.Duration("duration", time.Since(start)))
	return stats, nil
}

func routeNumberExists(ctx context.Context, store busdb.Store, routeNumber string) (bool, error) {
	_, err := store.FindRouteByNumber(ctx, routeNumber)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, busdb.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("checking route %s: %w", routeNumber, err)
	}
}
