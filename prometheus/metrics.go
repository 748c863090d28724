package prometheus

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	HTTPRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safeschool_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)
)

// Tenant directory metrics
var (
	RegisterCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeschool_registrations_total",
			Help: "Total number of successful school registrations",
		},
	)

	LoginCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeschool_logins_total",
			Help: "Total number of login attempts",
		},
	)

	AuthErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_auth_errors_total",
			Help: "Total number of authentication errors",
		},
		[]string{"type"},
	)

	RegisteredTenantsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safeschool_registered_tenants",
			Help: "Number of registered schools",
		},
	)
)

// Telemetry metrics
var (
	SensorReadingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_sensor_readings_total",
			Help: "Total number of sensor readings accepted by source",
		},
		[]string{"source"},
	)

	MQTTMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_mqtt_messages_total",
			Help: "Total number of MQTT sensor messages by result",
		},
		[]string{"result"},
	)
)

// Detection dispatcher metrics
var (
	DetectionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safeschool_detection_queue_depth",
			Help: "Number of frames waiting for analysis",
		},
	)

	DetectionJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_detection_jobs_total",
			Help: "Total number of frame submissions by result",
		},
		[]string{"result"}, // ok, failed, busy, timeout, bad_input, coalesced
	)

	DetectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "safeschool_detection_duration_seconds",
			Help:    "Duration of a single analysis call in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Broadcast hub metrics
var (
	HubSubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safeschool_hub_subscribers",
			Help: "Number of connected real-time subscribers",
		},
	)

	HubEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_hub_events_total",
			Help: "Total number of published events by type",
		},
		[]string{"type"},
	)

	HubDroppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeschool_hub_dropped_events_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)
)

// Persistence metrics
var (
	SnapshotCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_persistence_snapshots_total",
			Help: "Total number of snapshots written by backend",
		},
		[]string{"backend"},
	)

	SnapshotFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeschool_persistence_failures_total",
			Help: "Total number of failed snapshot writes by backend",
		},
		[]string{"backend"},
	)

	InfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "safeschool_info",
			Help: "Information about the safe-school service",
		},
		[]string{"version"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestCounter)
	prometheus.MustRegister(RequestDuration)

	prometheus.MustRegister(RegisterCounter)
	prometheus.MustRegister(LoginCounter)
	prometheus.MustRegister(AuthErrorCounter)
	prometheus.MustRegister(RegisteredTenantsGauge)

	prometheus.MustRegister(SensorReadingCounter)
	prometheus.MustRegister(MQTTMessageCounter)

	prometheus.MustRegister(DetectionQueueDepth)
	prometheus.MustRegister(DetectionJobCounter)
	prometheus.MustRegister(DetectionDuration)

	prometheus.MustRegister(HubSubscribersGauge)
	prometheus.MustRegister(HubEventCounter)
	prometheus.MustRegister(HubDroppedCounter)

	prometheus.MustRegister(SnapshotCounter)
	prometheus.MustRegister(SnapshotFailureCounter)
	prometheus.MustRegister(InfoGauge)

	InfoGauge.With(prometheus.Labels{"version": "1.0.0"}).Set(1)
}

// GetPrometheusHandler returns an HTTP handler for the Prometheus metrics
func GetPrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware creates a middleware function that captures metrics for each request
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()
			labels := prometheus.Labels{
				"endpoint": c.Path(),
				"method":   c.Request().Method,
				"status":   strconv.Itoa(c.Response().Status),
			}

			RequestDuration.With(labels).Observe(duration)
			HTTPRequestCounter.With(labels).Inc()

			return err
		}
	}
}

// RecordAuthError records an authentication error by type
func RecordAuthError(errorType string) {
	AuthErrorCounter.With(prometheus.Labels{"type": errorType}).Inc()
}

// RecordDetectionJob records the outcome of a frame submission
func RecordDetectionJob(result string) {
	DetectionJobCounter.With(prometheus.Labels{"result": result}).Inc()
}

// TrackDetection measures a single analysis call
func TrackDetection() func() {
	start := time.Now()
	return func() {
		DetectionDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHubEvent records a published event by type
func RecordHubEvent(eventType string) {
	HubEventCounter.With(prometheus.Labels{"type": eventType}).Inc()
}

// RecordSnapshot records a snapshot write outcome for a backend
func RecordSnapshot(backend string, err error) {
	if err != nil {
		SnapshotFailureCounter.With(prometheus.Labels{"backend": backend}).Inc()
		return
	}
	SnapshotCounter.With(prometheus.Labels{"backend": backend}).Inc()
}

// RecordSensorReading records an accepted reading by ingestion source
func RecordSensorReading(source string) {
	SensorReadingCounter.With(prometheus.Labels{"source": source}).Inc()
}

// RecordMQTTMessage records an MQTT message outcome
func RecordMQTTMessage(result string) {
	MQTTMessageCounter.With(prometheus.Labels{"result": result}).Inc()
}
