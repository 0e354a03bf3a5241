// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

type Config struct {
	Env      string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string        `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseDSN  string        `envconfig:"DB_DSN"`
	MongoURI     string        `envconfig:"MONGO_URI"`
	MongoDB      string        `envconfig:"MONGO_DB" default:"marketchat"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	// Empty RedisAddr keeps presence in process memory.
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	PresenceTTL   time.Duration `envconfig:"PRESENCE_TTL" default:"90s"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTKeyID  string        `envconfig:"JWT_KEY_ID" default:"v1"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"marketchat"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	DefaultPageSize int  `envconfig:"DEFAULT_PAGE_SIZE" default:"50"`
	MaxPageSize     int  `envconfig:"MAX_PAGE_SIZE" default:"100"`
	HideForbidden   bool `envconfig:"HIDE_FORBIDDEN" default:"true"`
	WSSendBuffer    int  `envconfig:"WS_SEND_BUFFER" default:"256"`
	// WSAuthTimeout bounds how long a connection opened without a handshake
	// credential may wait before sending authenticate.
	WSAuthTimeout time.Duration `envconfig:"WS_AUTH_TIMEOUT" default:"10s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads an optional .env file, then the process environment. Variables
// already present in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return errors.New("DB_DSN is required for the postgres backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.DefaultPageSize <= 0 || c.MaxPageSize <= 0 {
		return errors.New("page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("DEFAULT_PAGE_SIZE (%d) exceeds MAX_PAGE_SIZE (%d)", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.WSSendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be positive")
	}
	if c.WSAuthTimeout <= 0 {
		return errors.New("WS_AUTH_TIMEOUT must be positive")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
