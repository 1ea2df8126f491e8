package geo

import (
	"math"

	"github.com/BearBump/HazardBox/internal/models"
)

const earthRadiusMeters = 6371000.0

// metersPerDegreeLat is the mean length of one degree of latitude.
const metersPerDegreeLat = earthRadiusMeters * math.Pi / 180.0

// DistanceMeters returns the haversine distance between two points.
func DistanceMeters(a, b models.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180.0
	dLng := (b.Lng - a.Lng) * math.Pi / 180.0

	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(lat1)*math.Cos(lat2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BoxAround returns a square of the given side centered on c. The longitude
// span wraps across the antimeridian; near the poles it widens to the full circle.
func BoxAround(c models.Coordinate, sideMeters float64) models.Bounds {
	half := sideMeters / 2
	dLat := half / metersPerDegreeLat

	minLat := math.Max(-90, c.Lat-dLat)
	maxLat := math.Min(90, c.Lat+dLat)

	cos := math.Cos(c.Lat * math.Pi / 180.0)
	if cos < 1e-9 {
		return models.Bounds{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: 180}
	}
	dLng := half / (metersPerDegreeLat * cos)
	if dLng >= 180 {
		return models.Bounds{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: 180}
	}
	return models.Bounds{
		MinLat: minLat,
		MinLng: NormalizeLng(c.Lng - dLng),
		MaxLat: maxLat,
		MaxLng: NormalizeLng(c.Lng + dLng),
	}
}

// NormalizeLng maps any longitude into [-180, 180].
func NormalizeLng(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}

// Contains reports whether c lies inside b. A box with MinLng > MaxLng wraps
// across the antimeridian.
func Contains(b models.Bounds, c models.Coordinate) bool {
	if c.Lat < b.MinLat || c.Lat > b.MaxLat {
		return false
	}
	if b.MinLng <= b.MaxLng {
		return c.Lng >= b.MinLng && c.Lng <= b.MaxLng
	}
	return c.Lng >= b.MinLng || c.Lng <= b.MaxLng
}

func ValidBounds(b models.Bounds) bool {
	return b.MinLat >= -90 && b.MaxLat <= 90 && b.MinLat <= b.MaxLat &&
		b.MinLng >= -180 && b.MinLng <= 180 && b.MaxLng >= -180 && b.MaxLng <= 180
}
