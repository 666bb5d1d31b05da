package message

import "math"

// EarthRadius is the mean earth radius in metres
const EarthRadius = 6371008.8

// Location is a latitude/longitude pair in decimal degrees
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance between a and b in metres
func Distance(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Locator supplies the device's current position. GPS acquisition lives
// outside this module; ok is false when no fix is available.
type Locator interface {
	Location() (loc Location, ok bool)
}

// StaticLocator always reports the same position
type StaticLocator Location

func (s StaticLocator) Location() (Location, bool) {
	return Location(s), true
}

// NoLocation never has a fix
type NoLocation struct{}

func (NoLocation) Location() (Location, bool) {
	return Location{}, false
}
