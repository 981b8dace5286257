package models

// StopETA is the predicted arrival at one stop of a route.
type StopETA struct {
	Stop           string  `json:"stop"`
	DistanceMeters float64 `json:"distance_meters"`
	ETASeconds     int64   `json:"eta_seconds"`
}

// ETAResponse lists every stop of the bus's route in route order.
type ETAResponse struct {
	BusID            string    `json:"bus_id"`
	RouteID          string    `json:"route_id"`
	CurrentSpeedMPS  float64   `json:"current_speed_mps"`
	CurrentSpeedKMPH float64   `json:"current_speed_kmph"`
	ETA              []StopETA `json:"eta"`
}
