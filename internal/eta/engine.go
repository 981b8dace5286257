// Package eta estimates bus speed and per-stop arrival times.
package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/models"
	"bustracker.urbantransit.org/internal/utils"
)

var (
	ErrBusNotFound   = errors.New("bus not found")
	ErrRouteNotFound = errors.New("route not found")
	// ErrConcurrentUpdate means the bus kept changing underneath every
	// attempt to commit its previous location.
	ErrConcurrentUpdate = errors.New("bus was updated concurrently, retry the request")
)

// ValidationError reports stored data that cannot produce an ETA.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrStopCoordinateMismatch is matched with errors.Is against any
// stop/coordinate length mismatch.
var ErrStopCoordinateMismatch = &ValidationError{Field: "coordinates", Message: "route stops and coordinates differ in length"}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Field == e.Field
}

const maxCommitAttempts = 3

// Observer receives engine events. The metrics collector implements it.
type Observer interface {
	ObserveETA(outcome string, source string, elapsed time.Duration)
	ObservePreviousLocationConflict()
}

// StopEstimate is the unrounded arrival estimate for one stop.
type StopEstimate struct {
	Stop           string
	DistanceMeters float64
	ETASeconds     float64
}

type Result struct {
	BusID   string
	RouteID string
	Speed   Speed
	Stops   []StopEstimate
}

// Response rounds the result for the wire: speeds and distances to two
// decimals, ETAs to whole seconds.
func (r Result) Response() models.ETAResponse {
	stops := make([]models.StopETA, 0, len(r.Stops))
	for _, s := range r.Stops {
		stops = append(stops, models.StopETA{
			Stop:           s.Stop,
			DistanceMeters: round2(s.DistanceMeters),
			ETASeconds:     int64(math.Round(s.ETASeconds)),
		})
	}
	return models.ETAResponse{
		BusID:            r.BusID,
		RouteID:          r.RouteID,
		CurrentSpeedMPS:  round2(r.Speed.MPS),
		CurrentSpeedKMPH: round2(r.Speed.KMPH()),
		ETA:              stops,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type Engine struct {
	store    busdb.Store
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store busdb.Store, opts ...Option) *Engine {
	e := &Engine{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute estimates the bus's speed from its stored previous sample,
// records the current position as the new previous sample and returns the
// arrival estimate for every stop of its route, in route order. Stops the
// bus has already passed are included.
func (e *Engine) Compute(ctx context.Context, busID string) (Result, error) {
	start := time.Now()
	result, err := e.compute(ctx, busID)

	if e.observer != nil {
		e.observer.ObserveETA(outcome(err), string(result.Speed.Source), time.Since(start))
	}
	return result, err
}

func (e *Engine) compute(ctx context.Context, busID string) (Result, error) {
	for attempt := 1; ; attempt++ {
		bus, err := e.store.GetBus(ctx, busID)
		if err != nil {
			if errors.Is(err, busdb.ErrNotFound) {
				return Result{}, ErrBusNotFound
			}
			return Result{}, fmt.Errorf("loading bus %s: %w", busID, err)
		}

		route, err := e.store.GetRoute(ctx, bus.RouteID)
		if err != nil {
			if errors.Is(err, busdb.ErrNotFound) {
				return Result{}, ErrRouteNotFound
			}
			return Result{}, fmt.Errorf("loading route %s: %w", bus.RouteID, err)
		}

		if !route.HasConsistentStops() {
			return Result{}, &ValidationError{
				Field: "coordinates",
				Message: fmt.Sprintf("route %s has %d stops but %d coordinates",
					route.ID, len(route.Stops), len(route.Coordinates)),
			}
		}

		current := Sample{Latitude: bus.Latitude, Longitude: bus.Longitude, At: e.now()}
		speed := EstimateSpeed(current, bus.PreviousLocation)

		err = e.store.AdvancePreviousLocation(ctx, bus.ID, bus.Version, models.PreviousLocation{
			Latitude:  current.Latitude,
			Longitude: current.Longitude,
			Timestamp: current.At,
		})
		switch {
		case err == nil:
			return Result{
				BusID:   bus.BusID,
				RouteID: route.ID,
				Speed:   speed,
				Stops:   estimateStops(route, current, speed),
			}, nil
		case errors.Is(err, busdb.ErrConflict):
			if e.observer != nil {
				e.observer.ObservePreviousLocationConflict()
			}
			e.logger.Debug("previous location changed underneath, retrying",
				slog.String("bus_id", busID), slog.Int("attempt", attempt))
			if attempt >= maxCommitAttempts {
				return Result{}, ErrConcurrentUpdate
			}
		case errors.Is(err, busdb.ErrNotFound):
			return Result{}, ErrBusNotFound
		default:
			return Result{}, fmt.Errorf("recording previous location of %s: %w", busID, err)
		}
	}
}

func estimateStops(route models.Route, at Sample, speed Speed) []StopEstimate {
	stops := make([]StopEstimate, len(route.Stops))
	for i, name := range route.Stops {
		c := route.Coordinates[i]
		d := utils.Haversine(at.Latitude, at.Longitude, c.Latitude, c.Longitude)
		stops[i] = StopEstimate{Stop: name, DistanceMeters: d, ETASeconds: d / speed.MPS}
	}
	return stops
}

func outcome(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusNotFound), errors.Is(err, ErrRouteNotFound):
		return "not_found"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, ErrConcurrentUpdate):
		return "conflict"
	default:
		return "error"
	}
}
