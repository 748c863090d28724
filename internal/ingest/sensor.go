package ingest

import (
	"time"

	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/darsavelidze/safe-school/prometheus"
	"go.uber.org/zap"
)

// Ingestion sources, used as metric labels
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Publisher notifies live subscribers of a school
type Publisher interface {
	Publish(tenantID string, ev model.Event)
}

// SensorIngestor is the single write path for sensor readings, shared by the
// HTTP API and the MQTT bridge.
type SensorIngestor struct {
	store     *telemetry.Store
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewSensorIngestor(store *telemetry.Store, publisher Publisher, log *zap.Logger) *SensorIngestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &SensorIngestor{
		store:     store,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Ingest stores a reading and publishes it. A nil timestamp means "now";
// client timestamps are stored as supplied.
func (i *SensorIngestor) Ingest(tenantID, sensorID string, value float64, timestamp *int64, source string) (model.Reading, error) {
	r := model.Reading{Value: value}
	if timestamp != nil {
		r.Timestamp = *timestamp
	} else {
		r.Timestamp = i.now().Unix()
	}

	if err := i.store.Append(tenantID, sensorID, r); err != nil {
		return model.Reading{}, err
	}
	prometheus.RecordSensorReading(source)

	i.publisher.Publish(tenantID, model.Event{
		Type: model.EventSensorUpdate,
		Data: model.SensorUpdate{
			SchoolID:  tenantID,
			SensorID:  sensorID,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		},
	})

	i.log.Debug("Sensor reading stored",
		zap.String("school_id", tenantID),
		zap.String("sensor_id", sensorID),
		zap.Float64("value", r.Value),
		zap.String("source", source))
	return r, nil
}
