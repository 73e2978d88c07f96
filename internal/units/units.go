// Package units provides shared constants and validation for distance units
package units

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Feet        = "ft"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Centimeters, Feet}

// MetersPerMicrosecond is the speed of light in vacuum.
const MetersPerMicrosecond = 299.792458

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, cm, ft"
}

// RoundTripDistance converts a round-trip time in microseconds to a one-way
// distance in meters.
func RoundTripDistance(roundTripMicros float64) float64 {
	return roundTripMicros / 2 * MetersPerMicrosecond
}

// ConvertDistance converts a distance from meters to the target units.
// Reports carry distances in meters.
func ConvertDistance(meters float64, targetUnits string) float64 {
	switch targetUnits {
	case Centimeters:
		return meters * 100
	case Feet:
		return meters / 0.3048
	default:
		return meters
	}
}
