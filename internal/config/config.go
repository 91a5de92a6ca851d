package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

type RabbitMQConfig struct {
	URL         string
	Host        string
	Port        string
	User        string
	Password    string
	VHost       string
	SourceQueue string
	Prefetch    int
}

// EngineConfig tunes the delivery engine. Every field has a default so the
// engine runs without any ENGINE_* variables set.
type EngineConfig struct {
	WorkerCount         int
	QueueSize           int
	HTTPTimeout         time.Duration
	RetryDelay          time.Duration
	MaxResponseBodySize int
	RatePerSecond       float64
}

func Load() (*Config, error) {
	var missing []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	config := &Config{
		Server: ServerConfig{
			Port: get("SERVER_PORT"),
			Host: get("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     get("DB_HOST"),
			Port:     get("DB_PORT"),
			User:     get("DB_USER"),
			Password: get("DB_PASSWORD"),
			DBName:   get("DB_NAME"),
			SSLMode:  get("DB_SSLMODE"),
			Migrate:  getBool("DB_MIGRATE", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:         os.Getenv("RABBITMQ_URL"),
			Host:        get("RABBITMQ_HOST"),
			Port:        get("RABBITMQ_PORT"),
			User:        get("RABBITMQ_USER"),
			Password:    get("RABBITMQ_PASSWORD"),
			VHost:       get("RABBITMQ_VHOST"),
			SourceQueue: getDefault("RABBITMQ_SOURCE_QUEUE", "retail.domain.events"),
			Prefetch:    getInt("RABBITMQ_PREFETCH", 16),
		},
		Engine: EngineConfig{
			WorkerCount:         getInt("ENGINE_WORKER_COUNT", 8),
			QueueSize:           getInt("ENGINE_QUEUE_SIZE", 256),
			HTTPTimeout:         time.Duration(getInt("ENGINE_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
			RetryDelay:          time.Duration(getInt("ENGINE_RETRY_DELAY_MS", 500)) * time.Millisecond,
			MaxResponseBodySize: getInt("ENGINE_MAX_RESPONSE_BODY_BYTES", 4096),
			RatePerSecond:       getFloat("ENGINE_RATE_PER_SECOND", 0),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return config, nil
}

func getDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

func (c *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}
