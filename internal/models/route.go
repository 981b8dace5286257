package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"bustracker.urbantransit.org/internal/utils"
)

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Route is an ordered list of named stops. Coordinates[i] belongs to Stops[i].
type Route struct {
	ID            string       `json:"id"`
	RouteNumber   string       `json:"route_number"`
	RouteName     string       `json:"route_name"`
	StartingPoint string       `json:"starting_point"`
	EndingPoint   string       `json:"ending_point"`
	Stops         []string     `json:"stops"`
	Coordinates   []Coordinate `json:"coordinates"`
	CreatedAt     time.Time    `json:"created_at"`
}

// HasConsistentStops reports whether every stop has exactly one coordinate.
func (r Route) HasConsistentStops() bool {
	return len(r.Stops) == len(r.Coordinates)
}

// Validate returns field errors for a route about to be written. An empty
// map means the route is acceptable.
func (r Route) Validate() map[string][]string {
	fieldErrors := make(map[string][]string)

	texts := []struct {
		field string
		value string
	}{
		{"route_number", r.RouteNumber},
		{"route_name", r.RouteName},
		{"starting_point", r.StartingPoint},
		{"ending_point", r.EndingPoint},
	}
	for _, t := range texts {
		if err := utils.ValidateText(t.value); err != nil {
			fieldErrors[t.field] = append(fieldErrors[t.field], err.Error())
		}
	}

	if len(r.Stops) == 0 {
		fieldErrors["stops"] = append(fieldErrors["stops"], "at least one stop is required")
	}
	for i, stop := range r.Stops {
		if strings.TrimSpace(stop) == "" {
			fieldErrors["stops"] = append(fieldErrors["stops"], fmt.Sprintf("stop %d has an empty name", i))
		}
	}

	if !r.HasConsistentStops() {
		fieldErrors["coordinates"] = append(fieldErrors["coordinates"],
			fmt.Sprintf("expected %d coordinates to match stops, got %d", len(r.Stops), len(r.Coordinates)))
	}
	for i, c := range r.Coordinates {
		if utils.ValidateLatitude(c.Latitude) != nil || utils.ValidateLongitude(c.Longitude) != nil {
			fieldErrors["coordinates"] = append(fieldErrors["coordinates"], fmt.Sprintf("coordinate %d is out of range", i))
		}
	}

	return fieldErrors
}

// RoutePatch carries a partial route update; nil fields are left unchanged.
type RoutePatch struct {
	RouteNumber   *string      `json:"route_number"`
	RouteName     *string      `json:"route_name"`
	StartingPoint *string      `json:"starting_point"`
	EndingPoint   *string      `json:"ending_point"`
	Stops         []string     `json:"stops"`
	Coordinates   []Coordinate `json:"coordinates"`
}

// IsEmpty reports whether the patch changes nothing.
func (p RoutePatch) IsEmpty() bool {
	return p.RouteNumber == nil && p.RouteName == nil && p.StartingPoint == nil &&
		p.EndingPoint == nil && p.Stops == nil && p.Coordinates == nil
}

// Apply returns a copy of route with the patch merged in.
func (p RoutePatch) Apply(route Route) Route {
	if p.RouteNumber != nil {
		route.RouteNumber = *p.RouteNumber
	}
	if p.RouteName != nil {
		route.RouteName = *p.RouteName
	}
	if p.StartingPoint != nil {
		route.StartingPoint = *p.StartingPoint
	}
	if p.EndingPoint != nil {
		route.EndingPoint = *p.EndingPoint
	}
	if p.Stops != nil {
		route.Stops = append([]string(nil), p.Stops...)
	}
	if p.Coordinates != nil {
		route.Coordinates = append([]Coordinate(nil), p.Coordinates...)
	}
	return route
}

// RouteView is the JSON shape returned to clients.
type RouteView struct {
	Route
	EncodedPolyline string `json:"encoded_polyline"`
}

func NewRouteView(route Route) RouteView {
	if route.Stops == nil {
		route.Stops = []string{}
	}
	if route.Coordinates == nil {
		route.Coordinates = []Coordinate{}
	}
	return RouteView{
		Route:           route,
		EncodedPolyline: EncodePolyline(route.Coordinates),
	}
}

func NewRouteViews(routes []Route) []RouteView {
	views := make([]RouteView, 0, len(routes))
	for _, r := range routes {
		views = append(views, NewRouteView(r))
	}
	return views
}

// EncodePolyline encodes coordinates with the Google polyline algorithm.
func EncodePolyline(coords []Coordinate) string {
	if len(coords) == 0 {
		return ""
	}
	points := make([][]float64, len(coords))
	for i, c := range coords {
		points[i] = []float64{c.Latitude, c.Longitude}
	}
	return string(polyline.EncodeCoords(points))
}
