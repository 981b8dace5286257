package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64
	}{
		{"due north", 28.60, 77.20, 28.70, 77.20, 0},
		{"due east on the equator", 0, 77.20, 0, 77.30, 90},
		{"due south", 28.70, 77.20, 28.60, 77.20, 180},
		{"due west on the equator", 0, 77.30, 0, 77.20, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2), 0.01)
		})
	}
}

func TestCompassPoint(t *testing.T) {
	tests := []struct {
		bearing  float64
		expected string
	}{
		{0, "N"},
		{22.4, "N"},
		{22.6, "NE"},
		{90, "E"},
		{135, "SE"},
		{180, "S"},
		{225, "SW"},
		{270, "W"},
		{315, "NW"},
		{337.6, "N"},
		{359.9, "N"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.1f", tt.bearing), func(t *testing.T) {
			assert.Equal(t, tt.expected, CompassPoint(tt.bearing))
		})
	}
}

func TestHeading(t *testing.T) {
	t.Run("moving bus has a heading", func(t *testing.T) {
		heading, ok := Heading(28.6139, 77.2090, 28.6239, 77.2090, 5)
		assert.True(t, ok)
		assert.Equal(t, "N", heading)
	})

	t.Run("parked bus has no heading", func(t *testing.T) {
		heading, ok := Heading(28.6139, 77.2090, 28.61391, 77.20901, 5)
		assert.False(t, ok)
		assert.Empty(t, heading)
	})
}
