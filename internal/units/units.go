// Package units provides the measurement units of the sweep packet
// format and the conversions into meters, degrees and cartesian
// coordinates.
package units

import "math"

// Raw measurement resolutions of the sweep packet format.
const (
	// DistanceResolution converts raw distance values to meters: one
	// LSB is 4mm.
	DistanceResolution = 0.004

	// AzimuthResolution converts raw azimuth values to degrees: one
	// LSB is 0.01 degrees.
	AzimuthResolution = 0.01

	// RotationMaxUnits is the raw azimuth wrap point, 360.00 degrees.
	RotationMaxUnits = 36000
)

// DistanceMeters converts a raw distance reading to meters.
func DistanceMeters(raw uint16) float64 {
	return float64(raw) * DistanceResolution
}

// AzimuthDegrees converts a raw azimuth reading to degrees in [0, 360).
func AzimuthDegrees(raw uint16) float64 {
	deg := float64(raw%RotationMaxUnits) * AzimuthResolution
	if deg < 0 {
		deg += 360
	}
	return deg
}

// SphericalToCartesian converts a range measurement at the given
// azimuth and elevation (degrees) into cartesian coordinates.
// X is right, Y is forward, Z is up.
func SphericalToCartesian(distance, azimuthDeg, elevationDeg float64) (x, y, z float64) {
	azimuthRad := azimuthDeg * math.Pi / 180.0
	elevationRad := elevationDeg * math.Pi / 180.0
	cosElevation := math.Cos(elevationRad)
	x = distance * cosElevation * math.Sin(azimuthRad)
	y = distance * cosElevation * math.Cos(azimuthRad)
	z = distance * math.Sin(elevationRad)
	return x, y, z
}
