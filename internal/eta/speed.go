package eta

import (
	"time"

	"bustracker.urbantransit.org/internal/models"
	"bustracker.urbantransit.org/internal/utils"
)

const (
	// DefaultSpeedMPS is assumed whenever no trustworthy measurement exists.
	DefaultSpeedMPS = 3.0
	// StillnessFloorMPS is the measured speed below which a bus is treated
	// as standing still, where dividing by it would give runaway ETAs.
	StillnessFloorMPS = 0.5
)

// SpeedSource explains where an estimated speed came from.
type SpeedSource string

const (
	SourceNoPreviousSample    SpeedSource = "no_previous_sample"
	SourceNonPositiveElapsed  SpeedSource = "non_positive_elapsed"
	SourceBelowStillnessFloor SpeedSource = "below_stillness_floor"
	SourceMeasured            SpeedSource = "measured"
)

// Sample is a timestamped position.
type Sample struct {
	Latitude  float64
	Longitude float64
	At        time.Time
}

// Speed is an estimate in meters per second. MPS is always positive.
type Speed struct {
	MPS    float64
	Source SpeedSource
}

func (s Speed) KMPH() float64 {
	return s.MPS * 3.6
}

// EstimateSpeed derives the speed between prev and current. It falls back
// to DefaultSpeedMPS when there is no previous sample, when the clock did
// not move forward, or when the bus moved slower than StillnessFloorMPS.
func EstimateSpeed(current Sample, prev *models.PreviousLocation) Speed {
	if prev == nil {
		return Speed{MPS: DefaultSpeedMPS, Source: SourceNoPreviousSample}
	}

	dt := current.At.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return Speed{MPS: DefaultSpeedMPS, Source: SourceNonPositiveElapsed}
	}

	distance := utils.Haversine(prev.Latitude, prev.Longitude, current.Latitude, current.Longitude)
	measured := distance / dt
	if measured < StillnessFloorMPS {
		return Speed{MPS: DefaultSpeedMPS, Source: SourceBelowStillnessFloor}
	}
	return Speed{MPS: measured, Source: SourceMeasured}
}
