// Package config loads process configuration from the environment.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Core holds the options enumerated in spec §6.
type Core struct {
	DatabaseURL  string `env:"DATABASE_URL, required"`
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:8080"`
	DefaultBranch string `env:"DEFAULT_BRANCH_NAME, default=main"`

	MaxUploadSizeBytes   int64         `env:"MAX_UPLOAD_SIZE_BYTES, default=1073741824"`
	WorkerPollInterval   time.Duration `env:"WORKER_POLL_INTERVAL_MS, default=500ms"`
	WorkerPoolSizePerRun int           `env:"WORKER_POOL_SIZE_PER_TYPE, default=2"`
	RowStoreBatchSize    int           `env:"ROW_STORE_BATCH_SIZE, default=1000"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE, default=30s"`
	TempDir       string        `env:"TEMP_DIR, default=/tmp/tabularis-uploads"`
}

// Config is the process-wide configuration root.
type Config struct {
	Core Core `env:",prefix=TABULARIS_"`
}

// Load reads configuration from the environment, applying defaults.
func Load(ctx context.Context) (*Config, error) {
	var c Config
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
