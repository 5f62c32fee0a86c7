// Package geofence computes circular geofence membership from
// great-circle distance.
package geofence

import (
	"math"

	"aniobridge/internal/anio"
)

// earthRadiusMeters is the mean earth radius used by the Haversine
// formula.
const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two
// coordinates, using the Haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Contains reports whether the given coordinates fall within the
// fence radius.
func Contains(lat, lng float64, fence anio.Geofence) bool {
	return Distance(lat, lng, fence.Latitude, fence.Longitude) <= float64(fence.Radius)
}

// Evaluate computes the membership status of one location against a
// set of fences. A nil location marks every fence as outside.
func Evaluate(location *anio.LocationInfo, fences []anio.Geofence) []anio.GeofenceStatus {
	statuses := make([]anio.GeofenceStatus, 0, len(fences))
	for _, fence := range fences {
		inside := false
		if location != nil {
			inside = Contains(location.Latitude, location.Longitude, fence)
		}
		statuses = append(statuses, anio.GeofenceStatus{Geofence: fence, IsInside: inside})
	}
	return statuses
}
