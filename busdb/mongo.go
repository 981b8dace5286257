package busdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"bustracker.urbantransit.org/internal/models"
)

// MongoStore implements Store on a MongoDB database with collections
// routes, buses and admin_credentials.
type MongoStore struct {
	client *mongo.Client
	routes *mongo.Collection
	buses  *mongo.Collection
	admins *mongo.Collection
	logger *slog.Logger
}

type routeDoc struct {
	ID            string              `bson:"_id"`
	RouteNumber   string              `bson:"route_number"`
	RouteName     string              `bson:"route_name"`
	StartingPoint string              `bson:"starting_point"`
	EndingPoint   string              `bson:"ending_point"`
	Stops         []string            `bson:"stops"`
	Coordinates   []models.Coordinate `bson:"coordinates"`
	CreatedAt     time.Time           `bson:"created_at"`

	RouteNumberSearch string `bson:"route_number_search"`
	RouteNameSearch   string `bson:"route_name_search"`
}

type prevDoc struct {
	Latitude  float64   `bson:"latitude"`
	Longitude float64   `bson:"longitude"`
	Timestamp time.Time `bson:"timestamp"`
}

type busDoc struct {
	ID               string    `bson:"_id"`
	BusID            string    `bson:"bus_id"`
	RouteID          string    `bson:"route_id"`
	Latitude         float64   `bson:"latitude"`
	Longitude        float64   `bson:"longitude"`
	CrowdLevel       string    `bson:"crowd_level"`
	LastUpdated      time.Time `bson:"last_updated"`
	PreviousLocation *prevDoc  `bson:"previous_location,omitempty"`
	Version          int64     `bson:"version"`
}

type adminDoc struct {
	Username     string `bson:"_id"`
	PasswordHash string `bson:"password_hash"`
}

func toRouteDoc(r models.Route) routeDoc {
	d := routeDoc{
		ID:            r.ID,
		RouteNumber:   r.RouteNumber,
		RouteName:     r.RouteName,
		StartingPoint: r.StartingPoint,
		EndingPoint:   r.EndingPoint,
		Stops:         r.Stops,
		Coordinates:   r.Coordinates,
		CreatedAt:     r.CreatedAt,

		RouteNumberSearch: searchKey(r.RouteNumber),
		RouteNameSearch:   searchKey(r.RouteName),
	}
	if d.Stops == nil {
		d.Stops = []string{}
	}
	if d.Coordinates == nil {
		d.Coordinates = []models.Coordinate{}
	}
	return d
}

func (d routeDoc) model() models.Route {
	return models.Route{
		ID:            d.ID,
		RouteNumber:   d.RouteNumber,
		RouteName:     d.RouteName,
		StartingPoint: d.StartingPoint,
		EndingPoint:   d.EndingPoint,
		Stops:         d.Stops,
		Coordinates:   d.Coordinates,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}

func (d busDoc) model() models.Bus {
	b := models.Bus{
		ID:          d.ID,
		BusID:       d.BusID,
		RouteID:     d.RouteID,
		Latitude:    d.Latitude,
		Longitude:   d.Longitude,
		CrowdLevel:  models.CrowdLevel(d.CrowdLevel),
		LastUpdated: d.LastUpdated.UTC(),
		Version:     d.Version,
	}
	if d.PreviousLocation != nil {
		b.PreviousLocation = &models.PreviousLocation{
			Latitude:  d.PreviousLocation.Latitude,
			Longitude: d.PreviousLocation.Longitude,
			Timestamp: d.PreviousLocation.Timestamp.UTC(),
		}
	}
	return b
}

func openMongo(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	clientOptions := options.Client().ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetReadPreference(readpref.Primary())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client: client,
		routes: db.Collection("routes"),
		buses:  db.Collection("buses"),
		admins: db.Collection("admin_credentials"),
		logger: logger,
	}
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	busIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bus_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("bus_id_idx"),
		},
		{
			Keys:    bson.D{{Key: "route_id", Value: 1}},
			Options: options.Index().SetName("route_id_idx"),
		},
	}
	if _, err := s.buses.Indexes().CreateMany(ctx, busIndexes); err != nil {
		return fmt.Errorf("error creating bus indexes: %w", err)
	}

	routeIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("created_at_idx"),
		},
		{
			Keys:    bson.D{{Key: "route_number_search", Value: 1}},
			Options: options.Index().SetName("route_number_search_idx"),
		},
	}
	if _, err := s.routes.Indexes().CreateMany(ctx, routeIndexes); err != nil {
		return fmt.Errorf("error creating route indexes: %w", err)
	}
	return nil
}

func mongoNotFoundOr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) CreateRoute(ctx context.Context, route models.Route) (models.Route, error) {
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now()
	}
	route.CreatedAt = route.CreatedAt.Truncate(time.Millisecond).UTC()

	if _, err := s.routes.InsertOne(ctx, toRouteDoc(route)); err != nil {
		return models.Route{}, fmt.Errorf("error inserting route: %w", err)
	}
	return route, nil
}

func (s *MongoStore) GetRoute(ctx context.Context, id string) (models.Route, error) {
	var doc routeDoc
	if err := s.routes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return models.Route{}, mongoNotFoundOr(err)
	}
	return doc.model(), nil
}

func (s *MongoStore) findRoutes(ctx context.Context, filter bson.M, limit int) ([]models.Route, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.routes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying routes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []routeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding routes: %w", err)
	}
	routes := make([]models.Route, 0, len(docs))
	for _, d := range docs {
		routes = append(routes, d.model())
	}
	return routes, nil
}

func (s *MongoStore) ListRoutes(ctx context.Context, limit int) ([]models.Route, error) {
	return s.findRoutes(ctx, bson.M{}, limit)
}

func (s *MongoStore) SearchRoutes(ctx context.Context, query string, limit int) ([]models.Route, error) {
	if query == "" {
		return s.ListRoutes(ctx, limit)
	}
	pattern := bson.M{"$regex": regexp.QuoteMeta(searchKey(query))}
	return s.findRoutes(ctx, bson.M{"$or": bson.A{
		bson.M{"route_number_search": pattern},
		bson.M{"route_name_search": pattern},
	}}, limit)
}

func (s *MongoStore) FindRouteByNumber(ctx context.Context, routeNumber string) (models.Route, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var doc routeDoc
	err := s.routes.FindOne(ctx, bson.M{"route_number_search": searchKey(routeNumber)}, opts).Decode(&doc)
	if err != nil {
		return models.Route{}, mongoNotFoundOr(err)
	}
	return doc.model(), nil
}

func (s *MongoStore) UpdateRoute(ctx context.Context, id string, mutate func(*models.Route) error) (models.Route, error) {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return models.Route{}, err
	}

	updated := route
	if err := mutate(&updated); err != nil {
		return models.Route{}, err
	}
	updated.ID = route.ID
	updated.CreatedAt = route.CreatedAt

	res, err := s.routes.ReplaceOne(ctx, bson.M{"_id": id}, toRouteDoc(updated))
	if err != nil {
		return models.Route{}, fmt.Errorf("error updating route: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.Route{}, ErrNotFound
	}
	return updated, nil
}

func (s *MongoStore) DeleteRoute(ctx context.Context, id string) (int64, error) {
	res, err := s.routes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, fmt.Errorf("error deleting route: %w", err)
	}
	if res.DeletedCount == 0 {
		return 0, ErrNotFound
	}

	buses, err := s.buses.DeleteMany(ctx, bson.M{"route_id": id})
	if err != nil {
		return 0, fmt.Errorf("error deleting buses of route: %w", err)
	}
	return buses.DeletedCount, nil
}

func (s *MongoStore) CountRoutes(ctx context.Context) (int64, error) {
	return s.routes.CountDocuments(ctx, bson.M{})
}

func (s *MongoStore) CreateBus(ctx context.Context, bus models.Bus) (models.Bus, error) {
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

	_, err := s.buses.InsertOne(ctx, busDoc{
		ID:          bus.ID,
		BusID:       bus.BusID,
		RouteID:     bus.RouteID,
		Latitude:    bus.Latitude,
		Longitude:   bus.Longitude,
		CrowdLevel:  string(bus.CrowdLevel),
		LastUpdated: bus.LastUpdated,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Bus{}, ErrDuplicate
		}
		return models.Bus{}, fmt.Errorf("error inserting bus: %w", err)
	}
	return bus, nil
}

func (s *MongoStore) GetBus(ctx context.Context, busID string) (models.Bus, error) {
	var doc busDoc
	if err := s.buses.FindOne(ctx, bson.M{"bus_id": busID}).Decode(&doc); err != nil {
		return models.Bus{}, mongoNotFoundOr(err)
	}
	return doc.model(), nil
}

func (s *MongoStore) ListBuses(ctx context.Context, limit int) ([]models.Bus, error) {
	opts := options.Find().SetSort(bson.D{{Key: "bus_id", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.buses.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying buses: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []busDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding buses: %w", err)
	}
	buses := make([]models.Bus, 0, len(docs))
	for _, d := range docs {
		buses = append(buses, d.model())
	}
	return buses, nil
}

func (s *MongoStore) UpdateBus(ctx context.Context, busID string, mutate func(*models.Bus) error) (models.Bus, error) {
	bus, err := s.GetBus(ctx, busID)
	if err != nil {
		return models.Bus{}, err
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

	res, err := s.buses.UpdateOne(ctx,
		bson.M{"_id": bus.ID, "version": bus.Version},
		bson.M{
			"$set": bson.M{
				"route_id":     updated.RouteID,
				"latitude":     updated.Latitude,
				"longitude":    updated.Longitude,
				"crowd_level":  string(updated.CrowdLevel),
				"last_updated": updated.LastUpdated,
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return models.Bus{}, fmt.Errorf("error updating bus: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.Bus{}, ErrConflict
	}
	return updated, nil
}

func (s *MongoStore) DeleteBus(ctx context.Context, busID string) error {
	res, err := s.buses.DeleteOne(ctx, bson.M{"bus_id": busID})
	if err != nil {
		return fmt.Errorf("error deleting bus: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpsertBusLocation(ctx context.Context, report models.LocationReport) (models.Bus, error) {
	at := report.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.Truncate(time.Millisecond).UTC()

	set := bson.M{
		"latitude":     report.Latitude,
		"longitude":    report.Longitude,
		"last_updated": at,
	}
	onInsert := bson.M{"_id": uuid.NewString()}

	if report.RouteID != "" {
		set["route_id"] = report.RouteID
	} else {
		onInsert["route_id"] = ""
	}
	if report.CrowdLevel != "" {
		set["crowd_level"] = string(report.CrowdLevel)
	} else {
		onInsert["crowd_level"] = string(models.CrowdLow)
	}

	_, err := s.buses.UpdateOne(ctx,
		bson.M{"bus_id": report.BusID},
		bson.M{"$set": set, "$setOnInsert": onInsert, "$inc": bson.M{"version": 1}},
		options.Update().SetUpsert(true))
	if err != nil {
		return models.Bus{}, fmt.Errorf("error upserting bus location: %w", err)
	}
	return s.GetBus(ctx, report.BusID)
}

func (s *MongoStore) AdvancePreviousLocation(ctx context.Context, id string, version int64, prev models.PreviousLocation) error {
	res, err := s.buses.UpdateOne(ctx,
		bson.M{"_id": id, "version": version},
		bson.M{
			"$set": bson.M{"previous_location": prevDoc{
				Latitude:  prev.Latitude,
				Longitude: prev.Longitude,
				Timestamp: prev.Timestamp.Truncate(time.Millisecond).UTC(),
			}},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("error updating previous location: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.buses.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *MongoStore) GetAdminCredential(ctx context.Context, username string) (models.AdminCredential, error) {
	var doc adminDoc
	if err := s.admins.FindOne(ctx, bson.M{"_id": username}).Decode(&doc); err != nil {
		return models.AdminCredential{}, mongoNotFoundOr(err)
	}
	return models.AdminCredential{Username: doc.Username, PasswordHash: doc.PasswordHash}, nil
}

func (s *MongoStore) SaveAdminCredential(ctx context.Context, cred models.AdminCredential) error {
	_, err := s.admins.ReplaceOne(ctx, bson.M{"_id": cred.Username},
		adminDoc{Username: cred.Username, PasswordHash: cred.PasswordHash},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error saving admin credential: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
