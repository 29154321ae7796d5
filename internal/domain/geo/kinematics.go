package geo

import "math"

// EarthRadiusM is the mean earth radius used by every calculation in this package.
const EarthRadiusM = 6_371_000.0

// ETA is a whole-minute arrival estimate. Known is false when no estimate can be made.
type ETA struct {
	Minutes int  `json:"minutes"`
	Known   bool `json:"known"`
}

// UnknownETA is returned when the driver is not moving.
var UnknownETA = ETA{}

// String renders the estimate for display.
func (e ETA) String() string {
	if !e.Known {
		return "unknown"
	}
	return FormatDuration(e.Minutes)
}

// Distance returns the great-circle distance in meters (haversine).
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	if !allFinite(lat1, lng1, lat2, lng2) {
		return 0
	}
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Bearing returns the initial bearing from the first point to the second, in [0,360).
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	if !allFinite(lat1, lng1, lat2, lng2) {
		return 0
	}
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dLng := toRad(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLng)
	return normalizeDegrees(toDeg(math.Atan2(y, x)))
}

// Speed returns km/h covered between two fixes dtMs milliseconds apart.
// Non-positive intervals yield 0; the result is never negative.
func Speed(lat1, lng1, lat2, lng2 float64, dtMs int64) float64 {
	if dtMs <= 0 {
		return 0
	}
	meters := Distance(lat1, lng1, lat2, lng2)
	kmh := meters / (float64(dtMs) / 1000) * 3.6
	if !finite(kmh) || kmh < 0 {
		return 0
	}
	return kmh
}

// EstimateArrival converts a remaining distance and a speed into whole minutes, rounded up.
// Zero remaining distance is exactly 0 minutes; a non-positive speed is unknown.
func EstimateArrival(remainingMeters, speedKmh float64) ETA {
	if !finite(speedKmh) || speedKmh <= 0 || !finite(remainingMeters) {
		return UnknownETA
	}
	if remainingMeters <= 0 {
		return ETA{Minutes: 0, Known: true}
	}
	minutes := (remainingMeters / 1000) / speedKmh * 60
	return ETA{Minutes: int(math.Ceil(minutes)), Known: true}
}

// RouteRemainingDistance sums the distance from the current position to points[step]
// and every following leg of the route. A step past the last point yields 0.
func RouteRemainingDistance(lat, lng float64, points []Point, step int) float64 {
	if step < 0 || step >= len(points) {
		return 0
	}
	total := Distance(lat, lng, points[step].Lat, points[step].Lng)
	for i := step; i < len(points)-1; i++ {
		total += Distance(points[i].Lat, points[i].Lng, points[i+1].Lat, points[i+1].Lng)
	}
	return total
}

// NearestPointIndex returns the index of the route point closest to the position, or -1 for an empty route.
func NearestPointIndex(lat, lng float64, points []Point) int {
	best := -1
	bestDist := math.MaxFloat64
	for i, p := range points {
		if d := Distance(lat, lng, p.Lat, p.Lng); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// Centroid is the arithmetic mean of the points. ok is false for an empty slice.
func Centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	var sumLat, sumLng float64
	for _, p := range points {
		sumLat += p.Lat
		sumLng += p.Lng
	}
	n := float64(len(points))
	return Point{Lat: sumLat / n, Lng: sumLng / n}, true
}

// Lerp interpolates linearly between two points; t is clamped to [0,1].
func Lerp(from, to Point, t float64) Point {
	if t <= 0 {
		return from
	}
	if t >= 1 {
		return to
	}
	return Point{
		Lat: from.Lat + (to.Lat-from.Lat)*t,
		Lng: from.Lng + (to.Lng-from.Lng)*t,
	}
}

func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

func allFinite(vs ...float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
