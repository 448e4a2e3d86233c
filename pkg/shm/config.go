package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	internalshm "github.com/srediag/shmsync/internal/shm"
)

const envPrefix = "SHMSYNC"

// Config controls where segments live and how they are created and torn down.
type Config struct {
	// Dir is the directory backing the shared memory namespace.
	Dir string `envconfig:"DIR" default:"/dev/shm"`
	// Mode holds the permission bits handed to open(2) on create.
	Mode os.FileMode `envconfig:"MODE" default:"0600"`
	// AutoUnlink removes the name when the last attached handle closes.
	// Crashed processes never detach, so this is best effort.
	AutoUnlink bool `envconfig:"AUTO_UNLINK" default:"false"`
	// CheckFreeSpace refuses to create a segment larger than the free space
	// left in Dir.
	CheckFreeSpace bool `envconfig:"CHECK_FREE_SPACE" default:"true"`
	// ReadyPollInterval caps a single blocking wait for readiness, which is
	// how often context cancellation is noticed.
	ReadyPollInterval time.Duration `envconfig:"READY_POLL_INTERVAL" default:"100ms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir:               internalshm.DefaultDir,
		Mode:              0o600,
		AutoUnlink:        false,
		CheckFreeSpace:    true,
		ReadyPollInterval: 100 * time.Millisecond,
	}
}

// LoadConfig reads SHMSYNC_* environment variables over the defaults.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// VerifyConfig checks cfg for values that cannot work.
func VerifyConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if cfg.Dir == "" || !filepath.IsAbs(cfg.Dir) {
		return fmt.Errorf("config Dir must be an absolute path, got %q", cfg.Dir)
	}
	if cfg.Mode&^os.ModePerm != 0 {
		return fmt.Errorf("config Mode must hold permission bits only, got %#o", uint32(cfg.Mode))
	}
	if cfg.ReadyPollInterval <= 0 {
		return fmt.Errorf("config ReadyPollInterval must be positive, got %s", cfg.ReadyPollInterval)
	}
	return nil
}
