package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// Persistence backends
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// GetDSN returns the PostgreSQL connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningKey      string
	ExpirationHours int
}

// AuthConfig holds tenant credential settings
type AuthConfig struct {
	// BootstrapTokenEnabled exposes GET /get-token/:school_id, which issues a
	// token without any credential check.
	BootstrapTokenEnabled bool
	BcryptCost            int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// TelemetryConfig holds the bounded history settings
type TelemetryConfig struct {
	HistoryCapacity int
}

// DetectionConfig holds the frame dispatcher and analyzer settings
type DetectionConfig struct {
	QueueCapacity   int
	RequestTimeout  time.Duration
	Coalesce        bool
	AnalyzerURL     string
	AnalyzerTimeout time.Duration
	JPEGQuality     int
}

// HubConfig holds real-time fan-out settings
type HubConfig struct {
	SubscriberBuffer int
	PingInterval     time.Duration
}

// PersistenceConfig holds snapshot storage settings
type PersistenceConfig struct {
	Backend       string
	FilePath      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	DB            DBConfig
}

// MQTTConfig holds the optional MQTT sensor bridge settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
}

// Enabled reports whether a broker was configured
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Config holds all configuration
type Config struct {
	ServiceName string
	Server      ServerConfig
	JWT         JWTConfig
	Auth        AuthConfig
	Log         LogConfig
	Telemetry   TelemetryConfig
	Detection   DetectionConfig
	Hub         HubConfig
	Persistence PersistenceConfig
	MQTT        MQTTConfig
}

// Load loads configuration from the .env file (if any) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	config := &Config{
		ServiceName: getEnv("SERVICE_NAME", "safe-school"),
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("APP_ENV", "development"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		JWT: JWTConfig{
			SigningKey:      getEnv("JWT_SIGNING_KEY", "supersecretkey"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Auth: AuthConfig{
			BootstrapTokenEnabled: getEnvAsBool("AUTH_BOOTSTRAP_TOKEN_ENABLED", true),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 10),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Telemetry: TelemetryConfig{
			HistoryCapacity: getEnvAsInt("SENSOR_HISTORY_CAPACITY", 100),
		},
		Detection: DetectionConfig{
			QueueCapacity:   getEnvAsInt("DETECTION_QUEUE_CAPACITY", 16),
			RequestTimeout:  getEnvAsDuration("DETECTION_REQUEST_TIMEOUT", 10*time.Second),
			Coalesce:        getEnvAsBool("DETECTION_COALESCE", true),
			AnalyzerURL:     getEnv("ANALYZER_URL", ""),
			AnalyzerTimeout: getEnvAsDuration("ANALYZER_TIMEOUT", 5*time.Second),
			JPEGQuality:     getEnvAsInt("DETECTION_JPEG_QUALITY", 80),
		},
		Hub: HubConfig{
			SubscriberBuffer: getEnvAsInt("HUB_SUBSCRIBER_BUFFER", 64),
			PingInterval:     getEnvAsDuration("HUB_PING_INTERVAL", 30*time.Second),
		},
		Persistence: PersistenceConfig{
			Backend:       getEnv("PERSISTENCE_BACKEND", BackendFile),
			FilePath:      getEnv("PERSISTENCE_FILE", "data/snapshot.json"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
			RedisKey:      getEnv("REDIS_SNAPSHOT_KEY", "safe-school:snapshot"),
			DB: DBConfig{
				Host:            getEnv("DB_HOST", "localhost"),
				Port:            getEnv("DB_PORT", "5432"),
				User:            getEnv("DB_USER", "postgres"),
				Password:        getEnv("DB_PASSWORD", "password"),
				DBName:          getEnv("DB_NAME", "safe_school"),
				SSLMode:         getEnv("DB_SSL_MODE", "disable"),
				MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
				MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
				ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
				LogLevel:        getEnvAsLogLevel("DB_LOG_LEVEL", logger.Warn),
			},
		},
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", ""),
			ClientID: getEnv("MQTT_CLIENT_ID", "safe-school-ingest"),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			Topic:    getEnv("MQTT_TOPIC", "safe-school/sensors/+"),
			QoS:      getEnvAsInt("MQTT_QOS", 1),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.Persistence.Backend {
	case BackendFile, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND %q", c.Persistence.Backend)
	}
	if c.Telemetry.HistoryCapacity <= 0 {
		return fmt.Errorf("SENSOR_HISTORY_CAPACITY must be positive, got %d", c.Telemetry.HistoryCapacity)
	}
	if c.Detection.QueueCapacity <= 0 {
		return fmt.Errorf("DETECTION_QUEUE_CAPACITY must be positive, got %d", c.Detection.QueueCapacity)
	}
	if c.JWT.SigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY must not be empty")
	}
	return nil
}

// LogFields returns the configuration as zap fields, without secrets
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Server.Env),
		zap.String("server_port", c.Server.Port),
		zap.Int("history_capacity", c.Telemetry.HistoryCapacity),
		zap.Int("detection_queue_capacity", c.Detection.QueueCapacity),
		zap.Duration("detection_timeout", c.Detection.RequestTimeout),
		zap.Bool("detection_coalesce", c.Detection.Coalesce),
		zap.Bool("remote_analyzer", c.Detection.AnalyzerURL != ""),
		zap.String("persistence_backend", c.Persistence.Backend),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled()),
		zap.Bool("bootstrap_token_enabled", c.Auth.BootstrapTokenEnabled),
	}
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as booleans
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as log levels
func getEnvAsLogLevel(key string, defaultValue logger.LogLevel) logger.LogLevel {
	valueStr := getEnv(key, "")
	switch valueStr {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return defaultValue
	}
}
