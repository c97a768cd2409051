// Package geo holds the geofence math shared by the recipient resolver and the
// subscriber store: bounding boxes around a point and great-circle distances.
//
// Everything here uses one spherical earth model (orb.EarthRadius), so a box built
// by BoundingBox always contains every point that DistanceMeters puts inside the
// circle.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// boxPad widens every box edge (degrees) so points sitting exactly on the circle
// survive float rounding.
const boxPad = 1e-9

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

func (p Position) point() orb.Point { return orb.Point{p.Lon, p.Lat} }

// Valid reports whether p is a finite coordinate inside the usual ranges.
func (p Position) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Box is an axis-aligned lat/lon box.
//
// When MinLon > MaxLon the box crosses the antimeridian and covers
// [MinLon, 180] plus [-180, MaxLon].
type Box struct {
	MinLat float64 `json:"min_latitude"`
	MaxLat float64 `json:"max_latitude"`
	MinLon float64 `json:"min_longitude"`
	MaxLon float64 `json:"max_longitude"`
}

// Wraps reports whether the box crosses the antimeridian.
func (b Box) Wraps() bool { return b.MinLon > b.MaxLon }

// Contains reports whether p lies inside the box (edges included).
func (b Box) Contains(p Position) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.Wraps() {
		return p.Lon >= b.MinLon || p.Lon <= b.MaxLon
	}
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Bound converts a non-wrapping box to an orb.Bound.
func (b Box) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// BoundingBox returns a box that fully contains the circle of radiusMeters
// around center.
//
// Latitude bounds come from walking due north and due south along the meridian.
// Longitude bounds use the circle's widest extent, which lies slightly poleward of
// the center: walking due east/west under-covers the circle at high latitudes.
// A circle that reaches a pole spans every longitude.
func BoundingBox(center Position, radiusMeters float64) Box {
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		radiusMeters = 0
	}
	delta := radiusMeters / orb.EarthRadius
	lat := deg2rad(center.Lat)
	lon := deg2rad(center.Lon)

	minLat := lat - delta
	maxLat := lat + delta

	var b Box
	if minLat > -math.Pi/2 && maxLat < math.Pi/2 {
		dLon := math.Asin(math.Sin(delta) / math.Cos(lat))
		minLon := lon - dLon
		maxLon := lon + dLon
		if minLon < -math.Pi {
			minLon += 2 * math.Pi
		}
		if maxLon > math.Pi {
			maxLon -= 2 * math.Pi
		}
		b = Box{
			MinLat: rad2deg(minLat) - boxPad,
			MaxLat: rad2deg(maxLat) + boxPad,
			MinLon: rad2deg(minLon) - boxPad,
			MaxLon: rad2deg(maxLon) + boxPad,
		}
	} else {
		b = Box{
			MinLat: rad2deg(math.Max(minLat, -math.Pi/2)) - boxPad,
			MaxLat: rad2deg(math.Min(maxLat, math.Pi/2)) + boxPad,
			MinLon: -180,
			MaxLon: 180,
		}
	}
	b.MinLat = math.Max(b.MinLat, -90)
	b.MaxLat = math.Min(b.MaxLat, 90)
	if b.MinLon < -180 {
		b.MinLon = -180
	}
	if b.MaxLon > 180 {
		b.MaxLon = 180
	}
	return b
}

// DistanceMeters is the haversine distance between a and b on the same sphere
// BoundingBox uses.
func DistanceMeters(a, b Position) float64 {
	return orbgeo.DistanceHaversine(a.point(), b.point())
}

// Destination walks distanceMeters from p along the initial bearing (degrees,
// clockwise from north) on the great circle.
func Destination(p Position, bearing, distanceMeters float64) Position {
	delta := distanceMeters / orb.EarthRadius
	theta := deg2rad(bearing)
	lat1 := deg2rad(p.Lat)
	lon1 := deg2rad(p.Lon)

	sinLat2 := math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta)
	lat2 := math.Asin(sinLat2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(lat1)
	x := math.Cos(delta) - math.Sin(lat1)*sinLat2
	lon2 := lon1 + math.Atan2(y, x)

	lonDeg := math.Mod(rad2deg(lon2)+540, 360) - 180
	return Position{Lat: rad2deg(lat2), Lon: lonDeg}
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
