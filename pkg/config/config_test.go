package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24, cfg.JWT.ExpirationHours)
	assert.Equal(t, 100, cfg.Telemetry.HistoryCapacity)
	assert.Equal(t, 16, cfg.Detection.QueueCapacity)
	assert.True(t, cfg.Detection.Coalesce)
	assert.Equal(t, BackendFile, cfg.Persistence.Backend)
	assert.False(t, cfg.MQTT.Enabled())
	assert.True(t, cfg.Auth.BootstrapTokenEnabled)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SENSOR_HISTORY_CAPACITY", "10")
	t.Setenv("DETECTION_REQUEST_TIMEOUT", "250ms")
	t.Setenv("DETECTION_COALESCE", "false")
	t.Setenv("AUTH_BOOTSTRAP_TOKEN_ENABLED", "false")
	t.Setenv("PERSISTENCE_BACKEND", BackendRedis)
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Telemetry.HistoryCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Detection.RequestTimeout)
	assert.False(t, cfg.Detection.Coalesce)
	assert.False(t, cfg.Auth.BootstrapTokenEnabled)
	assert.Equal(t, BackendRedis, cfg.Persistence.Backend)
	assert.True(t, cfg.MQTT.Enabled())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown backend", "PERSISTENCE_BACKEND", "s3"},
		{"zero history", "SENSOR_HISTORY_CAPACITY", "0"},
		{"negative queue", "DETECTION_QUEUE_CAPACITY", "-1"},
		{"empty signing key", "JWT_SIGNING_KEY", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDBConfig_GetDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", c.GetDSN())
}
