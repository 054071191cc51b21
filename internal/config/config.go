package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   Server   `envPrefix:"SERVER_"`
	Pool     Pool     `envPrefix:"POOL_"`
	Tasks    Tasks    `envPrefix:"TASKS_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Database Database `envPrefix:"DATABASE_"`
	Storage  Storage  `envPrefix:"STORAGE_"`
	Log      Log      `envPrefix:"LOG_"`
}

type Server struct {
	Port            int           `env:"PORT" envDefault:"8080" validate:"gt=0,lt=65536"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Pool struct {
	MinWorkers        int           `env:"MIN_WORKERS" envDefault:"1" validate:"gte=0"`
	MaxWorkers        int           `env:"MAX_WORKERS" envDefault:"4" validate:"gte=1,gtefield=MinWorkers"`
	MaxTasksPerWorker int           `env:"MAX_TASKS_PER_WORKER" envDefault:"50" validate:"gte=0"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	// WorkerBinary defaults to the running executable.
	WorkerBinary string `env:"WORKER_BINARY"`
}

type Tasks struct {
	PurgeInitialDelay time.Duration `env:"PURGE_INITIAL_DELAY" envDefault:"1m"`
	PurgeInterval     time.Duration `env:"PURGE_INTERVAL" envDefault:"1h" validate:"gt=0"`
}

// Redis is optional: without an address retry state stays in memory and
// notifications are only logged.
type Redis struct {
	Addr               string `env:"ADDRESS"`
	Password           string `env:"PASSWORD"`
	DB                 int    `env:"DB"`
	RetryKeyPrefix     string `env:"RETRY_KEY_PREFIX" envDefault:"mediaq:retry:"`
	RetryZSet          string `env:"RETRY_ZSET" envDefault:"mediaq:retries"`
	NotificationStream string `env:"NOTIFICATION_STREAM" envDefault:"mediaq:notifications"`
}

type Database struct {
	URL string `env:"URL" validate:"required,url"`
}

type Storage struct {
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"./data/uploads" validate:"required"`
	ThumbnailDir   string `env:"THUMBNAIL_DIR" envDefault:"./data/thumbnails" validate:"required"`
	ThumbnailSize  int    `env:"THUMBNAIL_SIZE" envDefault:"256" validate:"gt=0"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"104857600" validate:"gt=0"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
}

// TaskWorkerConfig is what a worker process needs to reach the shared
// database and storage on its own. Workers fetch it from the parent.
type TaskWorkerConfig struct {
	DatabaseURL   string
	UploadDir     string
	ThumbnailDir  string
	ThumbnailSize int
	LogLevel      string
}

func (c *Config) Worker() TaskWorkerConfig {
	return TaskWorkerConfig{
		DatabaseURL:   c.Database.URL,
		UploadDir:     c.Storage.UploadDir,
		ThumbnailDir:  c.Storage.ThumbnailDir,
		ThumbnailSize: c.Storage.ThumbnailSize,
		LogLevel:      c.Log.Level,
	}
}

// Parse reads an optional .env file and the environment, then validates the result.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	return c
}
