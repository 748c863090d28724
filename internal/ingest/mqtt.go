package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/darsavelidze/safe-school/prometheus"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

// TokenValidator resolves a bearer token to a school id
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// sensorMessage is the MQTT payload. Temperature is accepted as an alias of
// value for devices speaking the legacy format.
type sensorMessage struct {
	Token       string   `json:"token"`
	Value       *float64 `json:"value"`
	Temperature *float64 `json:"temperature"`
	Timestamp   *int64   `json:"timestamp"`
}

// MQTTBridge feeds sensor readings published on an MQTT topic into the
// ingestor. The sensor id is the last topic segment; the school is resolved
// only from the token inside the payload.
type MQTTBridge struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	tokens   TokenValidator
	ingestor *SensorIngestor
	log      *zap.Logger
}

// NewMQTTBridge creates a bridge. Nothing connects until Run.
func NewMQTTBridge(cfg config.MQTTConfig, tokens TokenValidator, ingestor *SensorIngestor, log *zap.Logger) *MQTTBridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &MQTTBridge{
		cfg:      cfg,
		tokens:   tokens,
		ingestor: ingestor,
		log:      log.With(zap.String("component", "mqtt_bridge")),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	// subscriptions are lost with a clean session, so renew them on every connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := b.subscribe(c); err != nil {
			b.log.Error("Failed to subscribe", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.log.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Run connects to the broker and consumes messages until ctx is cancelled
func (b *MQTTBridge) Run(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", b.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	b.log.Info("MQTT bridge connected",
		zap.String("broker", b.cfg.Broker),
		zap.String("topic", b.cfg.Topic))

	<-ctx.Done()

	b.client.Disconnect(disconnectQuiesce)
	b.log.Info("MQTT bridge disconnected")
	return nil
}

func (b *MQTTBridge) subscribe(c mqtt.Client) error {
	token := c.Subscribe(b.cfg.Topic, byte(b.cfg.QoS), b.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out subscribing to topic %s", b.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", b.cfg.Topic, err)
	}
	return nil
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := b.handle(msg.Topic(), msg.Payload()); err != nil {
		result := "invalid"
		if apperror.IsKind(err, apperror.Unauthorized) {
			result = "unauthorized"
		}
		prometheus.RecordMQTTMessage(result)
		b.log.Warn("Rejected MQTT sensor message",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}
	prometheus.RecordMQTTMessage("ok")
}

func (b *MQTTBridge) handle(topic string, payload []byte) error {
	sensorID := topic[strings.LastIndex(topic, "/")+1:]
	if sensorID == "" || sensorID == "+" || sensorID == "#" {
		return apperror.Newf(apperror.InvalidInput, "topic %q does not name a sensor", topic)
	}

	var msg sensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return apperror.Wrap(apperror.InvalidInput, "payload is not valid JSON", err)
	}

	tenantID, err := b.tokens.ValidateToken(msg.Token)
	if err != nil {
		return err
	}

	value := msg.Value
	if value == nil {
		value = msg.Temperature
	}
	if value == nil {
		return apperror.New(apperror.InvalidInput, "value is required")
	}

	_, err = b.ingestor.Ingest(tenantID, sensorID, *value, msg.Timestamp, SourceMQTT)
	return err
}
