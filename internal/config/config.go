// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-sounddose/internal/audio"
	"github.com/oszuidwest/zwfm-sounddose/internal/sounddose"
	"github.com/oszuidwest/zwfm-sounddose/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultPort                   = 8080
	DefaultLogLevel               = "info"
	DefaultArchiveIntervalMinutes = 60
	DefaultArchivePrefix          = "sounddose/"
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port     int    `json:"port"`      // HTTP server port
	APIKey   string `json:"api_key"`   // Key required on /api and /ws requests
	LogLevel string `json:"log_level"` // debug, info, warn or error
}

// SoundDoseConfig holds dose tracking settings.
type SoundDoseConfig struct {
	DefaultRs2             float64 `json:"default_rs2"`                // Momentary exposure threshold in dBA at startup
	FullScaleDBA           float64 `json:"full_scale_dba"`             // Output loudness of a 0 dBFS signal
	MelBatchSize           int     `json:"mel_batch_size"`             // MEL values per processor callback
	ComputeCsdOnAllDevices bool    `json:"compute_csd_on_all_devices"` // Count every device, not only the active one
}

// ArchiveConfig holds S3-compatible storage settings for dose snapshots.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint"` // Custom endpoint (empty = AWS)
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Prefix          string `json:"prefix"`           // Object key prefix
	IntervalMinutes int    `json:"interval_minutes"` // Upload interval
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System    SystemConfig    `json:"system"`
	SoundDose SoundDoseConfig `json:"sound_dose"`
	Archive   ArchiveConfig   `json:"archive"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		if c.System.APIKey == "" {
			key, err := GenerateAPIKey()
			if err != nil {
				return util.WrapError("generate API key", err)
			}
			c.System.APIKey = key
		}
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if c.System.Port < 1 || c.System.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.System.Port)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.System.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: must be debug, info, warn or error", c.System.LogLevel)
	}
	if rs2 := c.SoundDose.DefaultRs2; rs2 < sounddose.MinRs2 || rs2 > sounddose.MaxRs2 {
		return fmt.Errorf("invalid default_rs2 %v: must be %v-%v dBA", rs2, sounddose.MinRs2, sounddose.MaxRs2)
	}
	if c.SoundDose.FullScaleDBA <= 0 {
		return fmt.Errorf("invalid full_scale_dba %v: must be positive", c.SoundDose.FullScaleDBA)
	}
	if c.SoundDose.MelBatchSize < 1 || c.SoundDose.MelBatchSize > 60 {
		return fmt.Errorf("invalid mel_batch_size %d: must be 1-60", c.SoundDose.MelBatchSize)
	}
	if c.Archive.IntervalMinutes < 1 {
		return fmt.Errorf("invalid archive interval_minutes %d: must be at least 1", c.Archive.IntervalMinutes)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Port = cmp.Or(c.System.Port, DefaultPort)
	c.System.LogLevel = cmp.Or(c.System.LogLevel, DefaultLogLevel)

	c.SoundDose.DefaultRs2 = cmp.Or(c.SoundDose.DefaultRs2, sounddose.DefaultRs2)
	c.SoundDose.FullScaleDBA = cmp.Or(c.SoundDose.FullScaleDBA, audio.DefaultFullScaleDBA)
	c.SoundDose.MelBatchSize = cmp.Or(c.SoundDose.MelBatchSize, audio.DefaultBatchSize)

	c.Archive.Prefix = cmp.Or(c.Archive.Prefix, DefaultArchivePrefix)
	c.Archive.IntervalMinutes = cmp.Or(c.Archive.IntervalMinutes, DefaultArchiveIntervalMinutes)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// SetDefaultRs2 persists the RS2 threshold applied at startup.
func (c *Config) SetDefaultRs2(rs2 float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SoundDose.DefaultRs2 = rs2
	return c.saveLocked()
}

// SetComputeCsdOnAllDevices persists the device counting mode.
func (c *Config) SetComputeCsdOnAllDevices(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SoundDose.ComputeCsdOnAllDevices = enabled
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	Port     int
	APIKey   string
	LogLevel slog.Level

	// Sound dose
	DefaultRs2             float64
	FullScaleDBA           float64
	MelBatchSize           int
	ComputeCsdOnAllDevices bool

	// Archive
	ArchiveEndpoint        string
	ArchiveRegion          string
	ArchiveBucket          string
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string
	ArchivePrefix          string
	ArchiveInterval        time.Duration
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.System.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	return Snapshot{
		Port:     c.System.Port,
		APIKey:   c.System.APIKey,
		LogLevel: level,

		DefaultRs2:             c.SoundDose.DefaultRs2,
		FullScaleDBA:           c.SoundDose.FullScaleDBA,
		MelBatchSize:           c.SoundDose.MelBatchSize,
		ComputeCsdOnAllDevices: c.SoundDose.ComputeCsdOnAllDevices,

		ArchiveEndpoint:        c.Archive.Endpoint,
		ArchiveRegion:          cmp.Or(c.Archive.Region, "us-east-1"),
		ArchiveBucket:          c.Archive.Bucket,
		ArchiveAccessKeyID:     c.Archive.AccessKeyID,
		ArchiveSecretAccessKey: c.Archive.SecretAccessKey,
		ArchivePrefix:          c.Archive.Prefix,
		ArchiveInterval:        time.Duration(c.Archive.IntervalMinutes) * time.Minute,
	}
}

// HasArchive reports whether snapshot archiving is configured.
func (s *Snapshot) HasArchive() bool {
	return util.IsConfigured(s.ArchiveBucket, s.ArchiveAccessKeyID, s.ArchiveSecretAccessKey)
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
