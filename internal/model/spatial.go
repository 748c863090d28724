package model

import "fmt"

// DeviceKind distinguishes sensor positions from camera positions
type DeviceKind string

const (
	DeviceSensor DeviceKind = "sensor"
	DeviceCamera DeviceKind = "camera"
)

// ParseDeviceKind validates a kind coming from a request
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch DeviceKind(s) {
	case DeviceSensor, DeviceCamera:
		return DeviceKind(s), nil
	default:
		return "", fmt.Errorf("unknown device kind %q", s)
	}
}

// Point is a vertex of a floor outline
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position places a device on a floor
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SpatialLayout is everything the spatial store holds for one school.
// Positions are keyed by floor index, then device id.
type SpatialLayout struct {
	Floors  [][]Point                   `json:"floors"`
	Sensors map[int]map[string]Position `json:"sensors"`
	Cameras map[int]map[string]Position `json:"cameras"`
}
