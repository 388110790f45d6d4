// Package geo checks a captured position against a task's reference point.
package geo

import "math"

const (
	EarthRadiusMeters = 6371000.0

	DefaultThresholdMeters   = 100.0
	DefaultLowAccuracyMeters = 50.0

	WarningDistanceExceeded = "distance exceeds threshold"
	WarningLowAccuracy      = "low GPS accuracy"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Captured is a device reading; AccuracyMeters is the reported radius of
// uncertainty.
type Captured struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracyMeters"`
}

type Result struct {
	DistanceMeters *float64 `json:"distanceMeters"`
	Warnings       []string `json:"warnings"`
}

type Verifier struct {
	ThresholdMeters   float64
	LowAccuracyMeters float64
}

// Verify never fails: problems are reported as warnings. With no reference
// point there is nothing to compare against and the result is empty.
func (v Verifier) Verify(captured Captured, reference *Point) Result {
	res := Result{Warnings: []string{}}
	if reference == nil {
		return res
	}
	threshold := v.ThresholdMeters
	if threshold <= 0 {
		threshold = DefaultThresholdMeters
	}
	lowAccuracy := v.LowAccuracyMeters
	if lowAccuracy <= 0 {
		lowAccuracy = DefaultLowAccuracyMeters
	}

	d := Haversine(Point{Lat: captured.Lat, Lng: captured.Lng}, *reference)
	res.DistanceMeters = &d
	if d > threshold {
		res.Warnings = append(res.Warnings, WarningDistanceExceeded)
	}
	if captured.AccuracyMeters > lowAccuracy {
		res.Warnings = append(res.Warnings, WarningLowAccuracy)
	}
	return res
}

// Haversine returns the great-circle distance in meters between two points
// given in degrees.
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lng)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
