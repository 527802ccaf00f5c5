package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Presence  PresenceConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

// DatabaseConfig points at the CouchDB that holds project memberships.
// Joins are not gated when Enabled is false.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxConnPerUser    int
	MessagesPerSecond float64
	MessageBurst      int
	RequestTimeout    time.Duration
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration
	IdleAfter        time.Duration
	IdleGrace        time.Duration
	SweepInterval    time.Duration
	MaxParticipants  int
	OutboundBuffer   int
}

type PresenceConfig struct {
	Interval time.Duration
	CacheTTL time.Duration
}

type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	Topic       string
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "draft_collab"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "dev-secret-change-in-production"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize:   getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:    int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1048576)),
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			MaxConnPerUser:    getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
			MessagesPerSecond: getEnvAsFloat("WS_MESSAGES_PER_SECOND", 50),
			MessageBurst:      getEnvAsInt("WS_MESSAGE_BURST", 100),
			RequestTimeout:    getEnvAsDuration("WS_REQUEST_TIMEOUT", 5*time.Second),
		},
		Session: SessionConfig{
			HeartbeatTimeout: getEnvAsDuration("SESSION_HEARTBEAT_TIMEOUT", 30*time.Second),
			IdleAfter:        getEnvAsDuration("SESSION_IDLE_AFTER", 10*time.Second),
			IdleGrace:        getEnvAsDuration("SESSION_IDLE_GRACE", time.Minute),
			SweepInterval:    getEnvAsDuration("SESSION_SWEEP_INTERVAL", 5*time.Second),
			MaxParticipants:  getEnvAsInt("SESSION_MAX_PARTICIPANTS", 0),
			OutboundBuffer:   getEnvAsInt("SESSION_OUTBOUND_BUFFER", 256),
		},
		Presence: PresenceConfig{
			Interval: getEnvAsDuration("PRESENCE_INTERVAL", 100*time.Millisecond),
			CacheTTL: getEnvAsDuration("PRESENCE_CACHE_TTL", 45*time.Second),
		},
		Redis: RedisConfig{
			Enabled:   getEnvAsBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "draft"),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:       getEnv("KAFKA_TOPIC", "draft.session-events"),
			QueueSize:   getEnvAsInt("KAFKA_QUEUE_SIZE", 1024),
			Workers:     getEnvAsInt("KAFKA_WORKERS", 2),
			MaxRetry:    getEnvAsInt("KAFKA_MAX_RETRY", 3),
			BaseBackoff: getEnvAsDuration("KAFKA_BASE_BACKOFF", 100*time.Millisecond),
			MaxBackoff:  getEnvAsDuration("KAFKA_MAX_BACKOFF", 2*time.Second),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.HeartbeatTimeout <= 0 {
		return fmt.Errorf("invalid SESSION_HEARTBEAT_TIMEOUT: must be positive")
	}
	if c.Session.IdleAfter >= c.Session.HeartbeatTimeout {
		return fmt.Errorf("invalid SESSION_IDLE_AFTER: must be shorter than the heartbeat timeout")
	}
	if c.Presence.Interval <= 0 {
		return fmt.Errorf("invalid PRESENCE_INTERVAL: must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid KAFKA_BROKERS: at least one broker required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
