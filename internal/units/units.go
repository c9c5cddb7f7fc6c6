// Package units provides shared constants and conversion for position units.
// Capture hardware reports positions in millimeters; consumers usually want
// meters.
package units

// Unit constants
const (
	Millimeters = "mm"
	Meters      = "m"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Millimeters, Meters}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ConvertLength converts a length from millimeters to the target units.
// The wire protocol carries positions in millimeters.
func ConvertLength(lengthMM float64, targetUnits string) float64 {
	switch targetUnits {
	case Meters:
		return lengthMM / 1000.0
	case Millimeters:
		return lengthMM
	default:
		return lengthMM // default to mm if unknown unit
	}
}
