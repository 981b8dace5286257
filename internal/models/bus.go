package models

import (
	"fmt"
	"strings"
	"time"

	"bustracker.urbantransit.org/internal/utils"
)

// CrowdLevel is how full a bus is reported to be.
type CrowdLevel string

const (
	CrowdLow    CrowdLevel = "Low"
	CrowdMedium CrowdLevel = "Medium"
	CrowdHigh   CrowdLevel = "High"
)

// ParseCrowdLevel accepts any casing of Low, Medium or High.
func ParseCrowdLevel(s string) (CrowdLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return CrowdLow, nil
	case "medium":
		return CrowdMedium, nil
	case "high":
		return CrowdHigh, nil
	}
	return "", fmt.Errorf("crowd level must be one of Low, Medium, High (got %q)", s)
}

// PreviousLocation is the single-sample position history consumed by the
// speed estimator.
type PreviousLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type Bus struct {
	ID               string            `json:"id"`
	BusID            string            `json:"bus_id"`
	RouteID          string            `json:"route_id"`
	Latitude         float64           `json:"latitude"`
	Longitude        float64           `json:"longitude"`
	CrowdLevel       CrowdLevel        `json:"crowd_level"`
	LastUpdated      time.Time         `json:"last_updated"`
	PreviousLocation *PreviousLocation `json:"previous_location,omitempty"`

	// Version increments on every write and guards the previous-location
	// read-modify-write.
	Version int64 `json:"-"`
}

// LocationReport is a position fix sent for a bus. RouteID and CrowdLevel
// are optional; empty values leave the stored ones untouched.
type LocationReport struct {
	BusID      string
	Latitude   float64
	Longitude  float64
	RouteID    string
	CrowdLevel CrowdLevel
	At         time.Time
}

// BusPatch carries a partial admin update; nil fields are left unchanged.
type BusPatch struct {
	RouteID    *string
	CrowdLevel *CrowdLevel
	Latitude   *float64
	Longitude  *float64
}

func (p BusPatch) IsEmpty() bool {
	return p.RouteID == nil && p.CrowdLevel == nil && p.Latitude == nil && p.Longitude == nil
}

// Apply returns a copy of bus with the patch merged in.
func (p BusPatch) Apply(bus Bus) Bus {
	if p.RouteID != nil {
		bus.RouteID = *p.RouteID
	}
	if p.CrowdLevel != nil {
		bus.CrowdLevel = *p.CrowdLevel
	}
	if p.Latitude != nil {
		bus.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		bus.Longitude = *p.Longitude
	}
	return bus
}

// minHeadingMeters is the movement needed before a heading is reported.
const minHeadingMeters = 5.0

// BusView is the JSON shape returned for live and admin bus listings.
type BusView struct {
	Bus
	Heading string `json:"heading,omitempty"`
}

func NewBusView(bus Bus) BusView {
	view := BusView{Bus: bus}
	if prev := bus.PreviousLocation; prev != nil {
		if heading, ok := utils.Heading(prev.Latitude, prev.Longitude, bus.Latitude, bus.Longitude, minHeadingMeters); ok {
			view.Heading = heading
		}
	}
	return view
}

func NewBusViews(buses []Bus) []BusView {
	views := make([]BusView, 0, len(buses))
	for _, b := range buses {
		views = append(views, NewBusView(b))
	}
	return views
}
