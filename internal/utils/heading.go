package utils

import "math"

var compassPoints = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Bearing returns the initial great-circle bearing in degrees [0, 360)
// when travelling from the first point towards the second.
func Bearing(fromLat, fromLon, toLat, toLon float64) float64 {
	phi1 := toRadians(fromLat)
	phi2 := toRadians(toLat)
	deltaLambda := toRadians(toLon - fromLon)

	y := math.Sin(deltaLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLambda)

	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}

// CompassPoint maps a bearing onto the 8-point compass rose.
func CompassPoint(bearing float64) string {
	idx := int(math.Floor(math.Mod(bearing+22.5, 360) / 45.0))
	if idx < 0 {
		idx += len(compassPoints)
	}
	return compassPoints[idx%len(compassPoints)]
}

// Heading reports the compass point a bus is moving towards. The second
// return is false when the two samples are closer than minMeters, since
// GPS jitter on a parked bus would otherwise produce a random heading.
func Heading(fromLat, fromLon, toLat, toLon, minMeters float64) (string, bool) {
	if Haversine(fromLat, fromLon, toLat, toLon) < minMeters {
		return "", false
	}
	return CompassPoint(Bearing(fromLat, fromLon, toLat, toLon)), true
}
