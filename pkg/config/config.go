package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/bfscore/pkg/types"
	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one backing device in the pool.
type DeviceConfig struct {
	ID         int        `yaml:"id"`
	Path       string     `yaml:"path"`
	Tier       types.Tier `yaml:"tier"`
	Generation uint32     `yaml:"generation"`
}

// ReplicationConfig holds default replica counts for new writes.
type ReplicationConfig struct {
	Foreground int `yaml:"foreground"`
	Background int `yaml:"background"`
}

// CodecConfig holds the default checksum/compression/encryption kinds
// applied to new extents when the caller doesn't override them.
type CodecConfig struct {
	Checksum    types.ChecksumType    `yaml:"checksum"`
	Compression types.CompressionType `yaml:"compression"`
	Encrypt     bool                  `yaml:"encrypt"`
	// EncryptionKeyHex is the hex-encoded chacha20poly1305 key. In
	// production this is expected to come from the environment rather
	// than the file on disk; see BFSCORE_ENCRYPTION_KEY below.
	EncryptionKeyHex string `yaml:"encryption_key_hex,omitempty"`
}

// MoveConfig holds the move engine's admission-control and rate-limit
// defaults.
type MoveConfig struct {
	// RateLimitSectorsPerSec bounds move-engine throughput (0 = unlimited).
	RateLimitSectorsPerSec int `yaml:"rate_limit_sectors_per_sec"`
	// BudgetSectorsPerPass is decoded and defaulted, but cmd/bfscored does
	// not read it: a pass's in-flight byte budget comes from the
	// --in-flight-budget flag.
	BudgetSectorsPerPass int `yaml:"budget_sectors_per_pass"`
}

// Config is the top-level data path configuration, decoded from a YAML
// document the same way the teacher decodes its apply manifests.
type Config struct {
	Devices            []DeviceConfig    `yaml:"devices"`
	Replication        ReplicationConfig `yaml:"replication"`
	Codec              CodecConfig       `yaml:"codec"`
	Move               MoveConfig        `yaml:"move"`
	EncodedExtentMax   int               `yaml:"encoded_extent_max"`
	JournalPath        string            `yaml:"journal_path"`
	IndexPath          string            `yaml:"index_path"`
}

// Default returns a Config with the same defaults spec.md §2 assumes when
// a deployment doesn't override them.
func Default() *Config {
	return &Config{
		Replication: ReplicationConfig{Foreground: 1, Background: 2},
		Codec: CodecConfig{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
		},
		Move: MoveConfig{
			RateLimitSectorsPerSec: 0,
			BudgetSectorsPerPass:   1 << 16,
		},
		EncodedExtentMax: 1 << 20,
		JournalPath:      "bfscore.journal",
		IndexPath:        "bfscore.index",
	}
}

// Load reads and parses a YAML config file at path, applying BFSCORE_*
// environment overrides on top, matching the teacher's WARREN_* convention.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets a deployment override a handful of hot-path
// knobs without editing the on-disk file, following the same
// prefix-plus-field convention as the teacher's WARREN_NODE_ID,
// WARREN_BIND_ADDR environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BFSCORE_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("BFSCORE_INDEX_PATH"); v != "" {
		cfg.IndexPath = v
	}
	if v := os.Getenv("BFSCORE_ENCRYPTION_KEY"); v != "" {
		cfg.Codec.EncryptionKeyHex = v
	}
	if v := os.Getenv("BFSCORE_MOVE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Move.RateLimitSectorsPerSec = n
		}
	}
}

// Validate checks the config for the minimum shape the data path needs to
// start: at least one device, sane replication counts, a non-empty
// journal/index path.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Path == "" {
			return fmt.Errorf("config: device %d has no path", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate device id %d", d.ID)
		}
		seen[d.ID] = true
	}
	if c.Replication.Foreground < 1 {
		return fmt.Errorf("config: replication.foreground must be >= 1")
	}
	if c.JournalPath == "" {
		return fmt.Errorf("config: journal_path is required")
	}
	if c.IndexPath == "" {
		return fmt.Errorf("config: index_path is required")
	}
	if c.Codec.Encrypt && strings.TrimSpace(c.Codec.EncryptionKeyHex) == "" {
		return fmt.Errorf("config: codec.encrypt is set but no encryption key was provided (config file or BFSCORE_ENCRYPTION_KEY)")
	}
	return nil
}
