package busdb

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"bustracker.urbantransit.org/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Driver: DriverSQLite, Test: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRoute(number, name string) models.Route {
	return models.Route{
		RouteNumber:   number,
		RouteName:     name,
		StartingPoint: "Central Station",
		EndingPoint:   "Airport",
		Stops:         []string{"Central Station", "Market", "Airport"},
		Coordinates: []models.Coordinate{
			{Latitude: 28.6139, Longitude: 77.2090},
			{Latitude: 28.6500, Longitude: 77.1800},
			{Latitude: 28.7041, Longitude: 77.1025},
		},
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestStore)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BUSTRACK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BUSTRACK_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := Open(context.Background(), Config{Driver: DriverPostgres, DSN: dsn})
		require.NoError(t, err)
		_, err = store.(*SQLStore).DB.Exec(`TRUNCATE routes, buses, admin_credentials`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("BUSTRACK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BUSTRACK_TEST_MONGO_URI not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		store, err := Open(ctx, Config{Driver: DriverMongo, DSN: uri, MongoDatabase: "bustracker_test"})
		require.NoError(t, err)
		ms := store.(*MongoStore)
		_, err = ms.routes.DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
		_, err = ms.buses.DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
		_, err = ms.admins.DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("route round trip", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateRoute(ctx, sampleRoute("101", "City Center Express"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := store.GetRoute(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created, got)

		n, err := store.CountRoutes(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("missing route", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetRoute(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.DeleteRoute(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.UpdateRoute(ctx, "nope", func(*models.Route) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list routes in creation order with limit", func(t *testing.T) {
		store := newStore(t)
		base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
		for i, number := range []string{"101", "202", "303"} {
			r := sampleRoute(number, "Route "+number)
			r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			_, err := store.CreateRoute(ctx, r)
			require.NoError(t, err)
		}

		routes, err := store.ListRoutes(ctx, 10)
		require.NoError(t, err)
		require.Len(t, routes, 3)
		assert.Equal(t, "101", routes[0].RouteNumber)
		assert.Equal(t, "303", routes[2].RouteNumber)

		routes, err = store.ListRoutes(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, routes, 2)
	})

	t.Run("search is a case-insensitive literal substring", func(t *testing.T) {
		store := newStore(t)
		for _, r := range []models.Route{
			sampleRoute("101", "City Center Express"),
			sampleRoute("202", "University Line"),
			sampleRoute("303", "Harbor 100% Loop"),
			sampleRoute("404", "École Centrale"),
			sampleRoute("ÜB-5", "Straße am Ölberg"),
		} {
			_, err := store.CreateRoute(ctx, r)
			require.NoError(t, err)
		}

		tests := []struct {
			query string
			want  []string
		}{
			{query: "express", want: []string{"101"}},
			{query: "UNIVERSITY", want: []string{"202"}},
			{query: "0", want: []string{"101", "202", "303", "404"}},
			{query: "100%", want: []string{"303"}},
			{query: "%", want: []string{"303"}},
			{query: "_", want: nil},
			{query: ".*", want: nil},
			{query: "École", want: []string{"404"}},
			{query: "école", want: []string{"404"}},
			{query: "ÉCOLE", want: []string{"404"}},
			{query: "ölberg", want: []string{"ÜB-5"}},
			{query: "STRASSE", want: []string{"ÜB-5"}},
			{query: "üb-", want: []string{"ÜB-5"}},
			{query: "", want: []string{"101", "202", "303", "404", "ÜB-5"}},
		}
		for _, tt := range tests {
			t.Run(tt.query, func(t *testing.T) {
				routes, err := store.SearchRoutes(ctx, tt.query, 100)
				require.NoError(t, err)
				var numbers []string
				for _, r := range routes {
					numbers = append(numbers, r.RouteNumber)
				}
				assert.ElementsMatch(t, tt.want, numbers)
			})
		}
	})

	t.Run("find route by exact number", func(t *testing.T) {
		store := newStore(t)
		base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
		for i, number := range []string{"1", "10", "11", "ÜB-1", "1"} {
			r := sampleRoute(number, "Route "+number)
			r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			_, err := store.CreateRoute(ctx, r)
			require.NoError(t, err)
		}

		route, err := store.FindRouteByNumber(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "1", route.RouteNumber)
		assert.True(t, base.Equal(route.CreatedAt), "the earliest of equal numbers wins")

		route, err = store.FindRouteByNumber(ctx, "üb-1")
		require.NoError(t, err)
		assert.Equal(t, "ÜB-1", route.RouteNumber)

		_, err = store.FindRouteByNumber(ctx, "100")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("renamed route is found under its new name", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateRoute(ctx, sampleRoute("101", "City Center Express"))
		require.NoError(t, err)

		_, err = store.UpdateRoute(ctx, created.ID, func(r *models.Route) error {
			r.RouteNumber = "Ä1"
			r.RouteName = "Ärztehaus Shuttle"
			return nil
		})
		require.NoError(t, err)

		routes, err := store.SearchRoutes(ctx, "ärztehaus", 10)
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.Equal(t, created.ID, routes[0].ID)

		routes, err = store.SearchRoutes(ctx, "express", 10)
		require.NoError(t, err)
		assert.Empty(t, routes)

		_, err = store.FindRouteByNumber(ctx, "ä1")
		assert.NoError(t, err)
	})

	t.Run("update route", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateRoute(ctx, sampleRoute("101", "City Center Express"))
		require.NoError(t, err)

		updated, err := store.UpdateRoute(ctx, created.ID, func(r *models.Route) error {
			r.RouteName = "Renamed"
			r.ID = "ignored"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, "Renamed", updated.RouteName)

		got, err := store.GetRoute(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.RouteName)
		assert.Equal(t, created.Stops, got.Stops)
	})

	t.Run("update route aborted by mutate", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateRoute(ctx, sampleRoute("101", "City Center Express"))
		require.NoError(t, err)

		boom := assert.AnError
		_, err = store.UpdateRoute(ctx, created.ID, func(r *models.Route) error {
			r.RouteName = "Never stored"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetRoute(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "City Center Express", got.RouteName)
	})

	t.Run("delete route cascades to its buses", func(t *testing.T) {
		store := newStore(t)
		keep, err := store.CreateRoute(ctx, sampleRoute("101", "Keep"))
		require.NoError(t, err)
		drop, err := store.CreateRoute(ctx, sampleRoute("202", "Drop"))
		require.NoError(t, err)

		for busID, routeID := range map[string]string{"BUS-1": drop.ID, "BUS-2": drop.ID, "BUS-3": keep.ID} {
			_, err := store.CreateBus(ctx, models.Bus{BusID: busID, RouteID: routeID, Latitude: 28.6, Longitude: 77.2})
			require.NoError(t, err)
		}

		removed, err := store.DeleteRoute(ctx, drop.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed)

		_, err = store.GetRoute(ctx, drop.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetBus(ctx, "BUS-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetBus(ctx, "BUS-3")
		assert.NoError(t, err)
	})

	t.Run("bus create and duplicate", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateBus(ctx, models.Bus{BusID: "BUS-101-A", RouteID: "r1", Latitude: 28.6, Longitude: 77.2})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, models.CrowdLow, created.CrowdLevel)
		assert.Nil(t, created.PreviousLocation)

		_, err = store.CreateBus(ctx, models.Bus{BusID: "BUS-101-A", Latitude: 1, Longitude: 1})
		assert.ErrorIs(t, err, ErrDuplicate)

		got, err := store.GetBus(ctx, "BUS-101-A")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.LastUpdated, got.LastUpdated)
	})

	t.Run("list and delete buses", func(t *testing.T) {
		store := newStore(t)
		for _, id := range []string{"BUS-B", "BUS-A", "BUS-C"} {
			_, err := store.CreateBus(ctx, models.Bus{BusID: id, Latitude: 1, Longitude: 1})
			require.NoError(t, err)
		}
		buses, err := store.ListBuses(ctx, 10)
		require.NoError(t, err)
		require.Len(t, buses, 3)
		assert.Equal(t, "BUS-A", buses[0].BusID)

		require.NoError(t, store.DeleteBus(ctx, "BUS-A"))
		assert.ErrorIs(t, store.DeleteBus(ctx, "BUS-A"), ErrNotFound)
	})

	t.Run("update bus bumps version", func(t *testing.T) {
		store := newStore(t)
		created, err := store.CreateBus(ctx, models.Bus{BusID: "BUS-1", Latitude: 1, Longitude: 1})
		require.NoError(t, err)

		updated, err := store.UpdateBus(ctx, "BUS-1", func(b *models.Bus) error {
			b.CrowdLevel = models.CrowdHigh
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.CrowdHigh, updated.CrowdLevel)
		assert.Greater(t, updated.Version, created.Version)

		got, err := store.GetBus(ctx, "BUS-1")
		require.NoError(t, err)
		assert.Equal(t, models.CrowdHigh, got.CrowdLevel)
		assert.Equal(t, updated.Version, got.Version)

		_, err = store.UpdateBus(ctx, "missing", func(*models.Bus) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("location upsert creates then updates", func(t *testing.T) {
		store := newStore(t)
		at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

		bus, err := store.UpsertBusLocation(ctx, models.LocationReport{
			BusID: "BUS-9", Latitude: 28.6, Longitude: 77.2, RouteID: "r1", At: at,
		})
		require.NoError(t, err)
		assert.Equal(t, "r1", bus.RouteID)
		assert.Equal(t, models.CrowdLow, bus.CrowdLevel)
		assert.Equal(t, at, bus.LastUpdated)

		later := at.Add(time.Minute)
		bus2, err := store.UpsertBusLocation(ctx, models.LocationReport{
			BusID: "BUS-9", Latitude: 28.7, Longitude: 77.3, CrowdLevel: models.CrowdMedium, At: later,
		})
		require.NoError(t, err)
		assert.Equal(t, bus.ID, bus2.ID)
		assert.Equal(t, "r1", bus2.RouteID, "empty route_id keeps the stored one")
		assert.Equal(t, models.CrowdMedium, bus2.CrowdLevel)
		assert.InDelta(t, 28.7, bus2.Latitude, 1e-9)
		assert.Equal(t, later, bus2.LastUpdated)
		assert.Greater(t, bus2.Version, bus.Version)
	})

	t.Run("advance previous location compare and swap", func(t *testing.T) {
		store := newStore(t)
		bus, err := store.CreateBus(ctx, models.Bus{BusID: "BUS-1", Latitude: 28.6, Longitude: 77.2})
		require.NoError(t, err)

		prev := models.PreviousLocation{Latitude: 28.6, Longitude: 77.2, Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
		require.NoError(t, store.AdvancePreviousLocation(ctx, bus.ID, bus.Version, prev))

		got, err := store.GetBus(ctx, "BUS-1")
		require.NoError(t, err)
		require.NotNil(t, got.PreviousLocation)
		assert.Equal(t, prev, *got.PreviousLocation)

		err = store.AdvancePreviousLocation(ctx, bus.ID, bus.Version, prev)
		assert.ErrorIs(t, err, ErrConflict, "stale version must lose")

		err = store.AdvancePreviousLocation(ctx, "missing", 0, prev)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		store := newStore(t)
		bus, err := store.CreateBus(ctx, models.Bus{BusID: "BUS-1", Latitude: 28.6, Longitude: 77.2})
		require.NoError(t, err)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				prev := models.PreviousLocation{Latitude: float64(i), Longitude: 0, Timestamp: time.Now()}
				if store.AdvancePreviousLocation(ctx, bus.ID, bus.Version, prev) == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("admin credential", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetAdminCredential(ctx, models.AdminUsername)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.SaveAdminCredential(ctx, models.AdminCredential{Username: models.AdminUsername, PasswordHash: "h1"}))
		require.NoError(t, store.SaveAdminCredential(ctx, models.AdminCredential{Username: models.AdminUsername, PasswordHash: "h2"}))

		cred, err := store.GetAdminCredential(ctx, models.AdminUsername)
		require.NoError(t, err)
		assert.Equal(t, "h2", cred.PasswordHash)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", sqliteDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `c\\d`, escapeLike(`c\d`))
}

func TestSearchKey(t *testing.T) {
	assert.Equal(t, "école centrale", searchKey("École Centrale"))
	assert.Equal(t, searchKey("ÉCOLE"), searchKey("école"))
	assert.Equal(t, "strasse", searchKey("Straße"))
	assert.Equal(t, "bus-101-a", searchKey("BUS-101-A"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}
