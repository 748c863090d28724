package model

// Event types pushed to real-time subscribers
const (
	EventSensorUpdate = "sensor_update"
	EventCameraUpdate = "camera_update"
	EventCameraFrame  = "camera_frame"
)

// Event is one real-time message for the subscribers of a school
type Event struct {
	Type string      `json:"event"`
	Data interface{} `json:"data"`
}

// SensorUpdate is the payload of a sensor_update event
type SensorUpdate struct {
	SchoolID  string  `json:"school_id"`
	SensorID  string  `json:"sensor_id"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// CameraUpdate is the payload of a camera_update event
type CameraUpdate struct {
	SchoolID  string `json:"school_id"`
	CameraID  string `json:"camera_id"`
	Count     int    `json:"people_count"`
	Timestamp int64  `json:"timestamp"`
}

// CameraFrame is the payload of a camera_frame event. Image is the annotated
// JPEG, base64 encoded on the wire by encoding/json.
type CameraFrame struct {
	SchoolID  string `json:"school_id"`
	CameraID  string `json:"camera_id"`
	Count     int    `json:"people_count"`
	Image     []byte `json:"image"`
	Boxes     []Box  `json:"boxes"`
	Timestamp int64  `json:"timestamp"`
}
