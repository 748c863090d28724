package model

// Reading is a single scalar sensor value (temperature). Timestamp is epoch
// seconds as supplied by the device.
type Reading struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Box is a detected person bounding box in frame pixel coordinates
type Box struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Confidence float64 `json:"confidence"`
}

// CameraState is the latest known occupancy for a camera
type CameraState struct {
	Count     int   `json:"people_count"`
	Timestamp int64 `json:"timestamp"`
}

// AnnotatedFrame is the most recent analyzed frame of a camera, with the
// detected boxes drawn onto Image (JPEG).
type AnnotatedFrame struct {
	Image     []byte `json:"image"`
	Count     int    `json:"people_count"`
	Boxes     []Box  `json:"boxes"`
	Timestamp int64  `json:"timestamp"`
}
