package main

import (
	"context"
	"fmt"
	"log/slog"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/models"
)

type sampleStop struct {
	name     string
	lat, lon float64
}

type sampleRoute struct {
	number, name string
	stops        []sampleStop
	bus          models.Bus
}

var sampleData = []sampleRoute{
	{
		number: "101",
		name:   "City Center Express",
		stops: []sampleStop{
			{"Central Station", 28.6139, 77.2090},
			{"Park Square", 28.6304, 77.2177},
			{"Mall Junction", 28.6562, 77.2410},
			{"Tech Park", 28.6692, 77.2265},
			{"Airport", 28.7041, 77.1025},
		},
		bus: models.Bus{BusID: "BUS-101-A", Latitude: 28.6139, Longitude: 77.2090, CrowdLevel: models.CrowdLow},
	},
	{
		number: "202",
		name:   "Suburban Link",
		stops: []sampleStop{
			{"Railway Station", 28.7041, 77.1025},
			{"Market Street", 28.6900, 77.1350},
			{"Hospital", 28.6810, 77.1630},
			{"University", 28.6880, 77.2100},
			{"Industrial Area", 28.6450, 77.2830},
		},
		bus: models.Bus{BusID: "BUS-202-B", Latitude: 28.7041, Longitude: 77.1025, CrowdLevel: models.CrowdMedium},
	},
	{
		number: "303",
		name:   "Coastal Route",
		stops: []sampleStop{
			{"Beach Road", 19.0760, 72.8777},
			{"Marina", 19.0590, 72.8300},
			{"Lighthouse", 19.0380, 72.8170},
			{"Port Area", 18.9500, 72.8400},
			{"Harbor", 18.9220, 72.8347},
		},
		bus: models.Bus{BusID: "BUS-303-C", Latitude: 19.0760, Longitude: 72.8777, CrowdLevel: models.CrowdHigh},
	},
}

// seedSampleData populates an empty store with three demo routes, each with
// one bus parked at its first stop. A store that already has routes is left
// alone.
func seedSampleData(ctx context.Context, store busdb.Store, logger *slog.Logger) (bool, error) {
	count, err := store.CountRoutes(ctx)
	if err != nil {
		return false, fmt.Errorf("counting routes: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	for _, sample := range sampleData {
		route := models.Route{
			RouteNumber:   sample.number,
			RouteName:     sample.name,
			StartingPoint: sample.stops[0].name,
			EndingPoint:   sample.stops[len(sample.stops)-1].name,
		}
		for _, s := range sample.stops {
			route.Stops = append(route.Stops, s.name)
			route.Coordinates = append(route.Coordinates, models.Coordinate{Latitude: s.lat, Longitude: s.lon})
		}

		created, err := store.CreateRoute(ctx, route)
		if err != nil {
			return false, fmt.Errorf("seeding route %s: %w", sample.number, err)
		}

		bus := sample.bus
		bus.RouteID = created.ID
		if _, err := store.CreateBus(ctx, bus); err != nil {
			return false, fmt.Errorf("seeding bus %s: %w", bus.BusID, err)
		}
	}

	logger.Info("seeded sample data", slog.Int("routes", len(sampleData)), slog.Int("buses", len(sampleData)))
	return true, nil
}
