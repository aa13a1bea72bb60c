// Package config holds the participant configuration and the hot-reloaded
// QoS profile registry.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hdds-platform/hdds/discovery"
	"github.com/hdds-platform/hdds/logging"
)

// SlabConfig sizes the payload pool.
type SlabConfig struct {
	// Count is the number of pre-allocated buffers.
	Count int `yaml:"count"`
	// Size is the capacity of each buffer.
	Size datasize.ByteSize `yaml:"size"`
}

// RingConfig sizes the per-endpoint index rings.
type RingConfig struct {
	Capacity int `yaml:"capacity"`
}

// ShmConfig tunes the shared-memory transport.
type ShmConfig struct {
	// Policy is one of prefer, require, disable.
	Policy string `yaml:"policy"`
	// SlotSize is the per-slot payload capacity.
	SlotSize datasize.ByteSize `yaml:"slot_size"`
	// Capacity is the slot count (power of two).
	Capacity int `yaml:"capacity"`
}

// AdminConfig enables the read-only HTTP surface.
type AdminConfig struct {
	// Listen is the bind address; empty disables the server.
	Listen string `yaml:"listen"`
}

// Config is the root participant configuration.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Discovery timing.
	Discovery discovery.Config `yaml:"discovery"`
	// Slab pool geometry.
	Slab SlabConfig `yaml:"slab"`
	// Ring geometry.
	Ring RingConfig `yaml:"ring"`
	// Shm transport settings.
	Shm ShmConfig `yaml:"shm"`
	// Admin HTTP surface.
	Admin AdminConfig `yaml:"admin"`
	// QoSProfiles is the path of the profile file watched for reload.
	QoSProfiles string `yaml:"qos_profiles"`
}

// DefaultConfig returns the nominal configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging:   logging.Config{Level: zapcore.InfoLevel},
		Discovery: discovery.DefaultConfig(),
		Slab:      SlabConfig{Count: 1024, Size: 64 * datasize.KB},
		Ring:      RingConfig{Capacity: 256},
		Shm: ShmConfig{
			Policy:   "prefer",
			SlotSize: 4 * datasize.KB,
			Capacity: 256,
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}
	return cfg, nil
}
