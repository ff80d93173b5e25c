package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

var drivers = []string{DriverMemory, DriverRedis, DriverPostgres, DriverSQLite, DriverMongo}

// Config is the process configuration, read from the environment.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	StoreDriver     string        `envconfig:"STORE_DRIVER" default:"memory"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisSessionTTL time.Duration `envconfig:"REDIS_SESSION_TTL" default:"24h"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	MongoURI        string        `envconfig:"MONGO_URI"`
	MongoDB         string        `envconfig:"MONGO_DB" default:"collab"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	PistonURL        string `envconfig:"PISTON_URL" default:"https://emkc.org/api/v2/piston"`
	AssistantBaseURL string `envconfig:"ASSISTANT_BASE_URL" default:"https://text.pollinations.ai/openai"`
	AssistantAPIKey  string `envconfig:"ASSISTANT_API_KEY"`
	AssistantModel   string `envconfig:"ASSISTANT_MODEL" default:"openai"`

	JoinTokenSecret string        `envconfig:"JOIN_TOKEN_SECRET"`
	WSWriteTimeout  time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	WSReadLimit     int64         `envconfig:"WS_READ_LIMIT" default:"1048576"` // bytes per inbound frame, 0 disables

	SessionRetention time.Duration `envconfig:"SESSION_RETENTION" default:"720h"`
	PurgeSchedule    string        `envconfig:"PURGE_SCHEDULE" default:"@daily"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !lo.Contains(drivers, c.StoreDriver) {
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for STORE_DRIVER=mongo")
		}
	}
	if c.WSWriteTimeout <= 0 {
		return errors.New("WS_WRITE_TIMEOUT must be positive")
	}
	if c.WSReadLimit < 0 {
		return errors.New("WS_READ_LIMIT must not be negative")
	}
	return nil
}

func (c *Config) Development() bool { return c.Environment != "production" }

func (c *Config) Addr() string { return ":" + c.Port }
