package attendance

import "math"

// metersPerDegree is the equirectangular scaling factor. Good enough
// for classroom-scale distances; wrong for anything long-range.
const metersPerDegree = 111139.0

// DistanceMeters returns the planar approximate distance between two
// points using equirectangular scaling.
func DistanceMeters(a, b GeoPoint) float64 {
	dLat := b.Lat - a.Lat
	dLng := b.Lng - a.Lng
	return math.Sqrt(dLat*dLat+dLng*dLng) * metersPerDegree
}
