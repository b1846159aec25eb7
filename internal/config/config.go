package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"media-intake/internal/logging"
)

// ConstraintProfile is the single source of truth for upload policy limits.
// The validator and the normalization pipeline share one profile so they
// never disagree about what a compliant image looks like.
type ConstraintProfile struct {
	MaxBytes           int64   `yaml:"max_bytes"`
	MinDimension       int     `yaml:"min_dimension"`
	MaxDimension       int     `yaml:"max_dimension"`
	MaxMegapixels      float64 `yaml:"max_megapixels"`
	BombRatioThreshold float64 `yaml:"bomb_ratio_threshold"`
	DecodeTimeout      time.Duration
	DecodeTimeoutSec   int `yaml:"decode_timeout_seconds"`

	// AllowedTypes maps a lowercase extension (without dot) to its expected
	// MIME type. Extensions absent from the map are rejected outright.
	AllowedTypes map[string]string `yaml:"allowed_types"`

	// ScanWindowKiB bounds how much of the file head is inspected for
	// embedded script markers.
	ScanWindowKiB int `yaml:"scan_window_kib"`

	// AllowAnimated permits animated GIF/WebP uploads.
	AllowAnimated bool `yaml:"allow_animated"`

	// AllowMimeMismatch downgrades an extension-vs-detected-MIME mismatch
	// from a rejection to a logged warning.
	AllowMimeMismatch bool `yaml:"allow_mime_mismatch"`

	// NormalizationEnabled re-encodes validated images to a canonical
	// format and re-checks the result before accepting it.
	NormalizationEnabled bool `yaml:"normalization_enabled"`
}

// ScanWindow returns the pattern scan window in bytes.
func (p ConstraintProfile) ScanWindow() int {
	return p.ScanWindowKiB * 1024
}

// MaxPixels returns the megapixel ceiling as a pixel count.
func (p ConstraintProfile) MaxPixels() int64 {
	return int64(p.MaxMegapixels * 1_000_000)
}

// BreakerConfig configures the scan circuit breaker.
type BreakerConfig struct {
	MaxFailures  int64 `yaml:"max_failures"`
	DecaySeconds int   `yaml:"decay_seconds"`
}

// Decay returns the failure counter decay window.
func (b BreakerConfig) Decay() time.Duration {
	return time.Duration(b.DecaySeconds) * time.Second
}

// ScanConfig configures the scan coordinator and its engines.
type ScanConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Handlers       []string      `yaml:"handlers"` // "clamd", "rules"
	ClamdAddr      string        `yaml:"clamd_addr"`
	TimeoutMS      int           `yaml:"timeout_ms"`
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`

	// FirstChunkOnly limits engines that support it to the profile's scan
	// window instead of the whole file.
	FirstChunkOnly bool `yaml:"first_chunk_only"`

	// Patterns are extra byte patterns for the rule engine, on top of the
	// built-in set.
	Patterns []string `yaml:"patterns"`
}

// Timeout returns the per-engine scan timeout.
func (s ScanConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// PostProcessConfig bounds the asynchronous rendition-polling job.
type PostProcessConfig struct {
	MaxWaitSeconds       int      `yaml:"max_wait_seconds"`
	CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
	Conversions          []string `yaml:"conversions"`
}

// MaxWait returns the maximum rendition wait budget.
func (p PostProcessConfig) MaxWait() time.Duration {
	return time.Duration(p.MaxWaitSeconds) * time.Second
}

// CheckInterval returns the readiness poll interval.
func (p PostProcessConfig) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalSeconds) * time.Second
}

// Config is the top-level pipeline configuration.
type Config struct {
	Port          string `yaml:"port"`
	MediaDir      string `yaml:"media_dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
	TempDir       string `yaml:"temp_dir"`
	DatabasePath  string `yaml:"database_path"`
	RedisAddr     string `yaml:"redis_addr"`

	Profile     ConstraintProfile `yaml:"profile"`
	Scan        ScanConfig        `yaml:"scan"`
	PostProcess PostProcessConfig `yaml:"post_process"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:          "8080",
		MediaDir:      "/media",
		QuarantineDir: "/quarantine",
		TempDir:       os.TempDir(),
		DatabasePath:  "/database/intake.db",
		Profile: ConstraintProfile{
			MaxBytes:           25 * 1024 * 1024,
			MinDimension:       1,
			MaxDimension:       8192,
			MaxMegapixels:      30,
			BombRatioThreshold: 200,
			DecodeTimeoutSec:   10,
			AllowedTypes: map[string]string{
				"jpg":  "image/jpeg",
				"jpeg": "image/jpeg",
				"png":  "image/png",
				"gif":  "image/gif",
				"webp": "image/webp",
			},
			ScanWindowKiB:        64,
			AllowAnimated:        true,
			AllowMimeMismatch:    false,
			NormalizationEnabled: true,
		},
		Scan: ScanConfig{
			Enabled:   false,
			Handlers:  nil,
			ClamdAddr: "127.0.0.1:3310",
			TimeoutMS: 10000,
			CircuitBreaker: BreakerConfig{
				MaxFailures:  5,
				DecaySeconds: 300,
			},
		},
		PostProcess: PostProcessConfig{
			MaxWaitSeconds:       60,
			CheckIntervalSeconds: 5,
			Conversions:          []string{"thumb", "preview"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides (in that order of precedence).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			logging.Debug("Config file %s not found, using defaults", path)
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			logging.Info("Loaded configuration from %s", path)
		}
	}

	applyEnv(cfg)
	cfg.Profile.DecodeTimeout = time.Duration(cfg.Profile.DecodeTimeoutSec) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("PORT", &cfg.Port)
	envString("MEDIA_DIR", &cfg.MediaDir)
	envString("QUARANTINE_DIR", &cfg.QuarantineDir)
	envString("TEMP_DIR", &cfg.TempDir)
	envString("DATABASE_PATH", &cfg.DatabasePath)
	envString("REDIS_ADDR", &cfg.RedisAddr)

	envInt64("MAX_BYTES", &cfg.Profile.MaxBytes)
	envInt("MIN_DIMENSION", &cfg.Profile.MinDimension)
	envInt("MAX_DIMENSION", &cfg.Profile.MaxDimension)
	envFloat("MAX_MEGAPIXELS", &cfg.Profile.MaxMegapixels)
	envFloat("BOMB_RATIO_THRESHOLD", &cfg.Profile.BombRatioThreshold)
	envInt("DECODE_TIMEOUT_SECONDS", &cfg.Profile.DecodeTimeoutSec)
	envInt("SCAN_WINDOW_KIB", &cfg.Profile.ScanWindowKiB)
	envBool("ALLOW_ANIMATED", &cfg.Profile.AllowAnimated)
	envBool("ALLOW_MIME_MISMATCH", &cfg.Profile.AllowMimeMismatch)
	envBool("NORMALIZATION_ENABLED", &cfg.Profile.NormalizationEnabled)

	envBool("SCAN_ENABLED", &cfg.Scan.Enabled)
	envBool("SCAN_FIRST_CHUNK_ONLY", &cfg.Scan.FirstChunkOnly)
	envString("CLAMD_ADDR", &cfg.Scan.ClamdAddr)
	envInt("SCAN_TIMEOUT_MS", &cfg.Scan.TimeoutMS)
	envInt64("SCAN_BREAKER_MAX_FAILURES", &cfg.Scan.CircuitBreaker.MaxFailures)
	envInt("SCAN_BREAKER_DECAY_SECONDS", &cfg.Scan.CircuitBreaker.DecaySeconds)
	if handlers := os.Getenv("SCAN_HANDLERS"); handlers != "" {
		cfg.Scan.Handlers = strings.Split(handlers, ",")
	}

	envInt("POSTPROCESS_MAX_WAIT_SECONDS", &cfg.PostProcess.MaxWaitSeconds)
	envInt("POSTPROCESS_CHECK_INTERVAL_SECONDS", &cfg.PostProcess.CheckIntervalSeconds)
}

func (c *Config) validate() error {
	p := c.Profile
	if p.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive, got %d", p.MaxBytes)
	}
	if p.MinDimension < 1 {
		return fmt.Errorf("min_dimension must be at least 1, got %d", p.MinDimension)
	}
	if p.MaxDimension < p.MinDimension {
		return fmt.Errorf("max_dimension %d is below min_dimension %d", p.MaxDimension, p.MinDimension)
	}
	if p.BombRatioThreshold <= 0 {
		return fmt.Errorf("bomb_ratio_threshold must be positive, got %f", p.BombRatioThreshold)
	}
	if len(p.AllowedTypes) == 0 {
		return fmt.Errorf("allowed_types must not be empty")
	}
	if p.ScanWindowKiB <= 0 {
		return fmt.Errorf("scan_window_kib must be positive, got %d", p.ScanWindowKiB)
	}
	if c.Scan.Enabled && len(c.Scan.Handlers) == 0 {
		// Fail closed: scanning enabled with no engines is a configuration
		// error, not a silent skip.
		return fmt.Errorf("scan.enabled is true but scan.handlers is empty")
	}
	return nil
}

func envString(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		} else {
			logging.Warn("Failed to parse %s=%q: %v", key, v, err)
		}
	}
}

func envInt64(key string, out *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*out = n
		} else {
			logging.Warn("Failed to parse %s=%q: %v", key, v, err)
		}
	}
}

func envFloat(key string, out *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		} else {
			logging.Warn("Failed to parse %s=%q: %v", key, v, err)
		}
	}
}

func envBool(key string, out *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*out = true
		case "0", "false", "no", "off":
			*out = false
		default:
			logging.Warn("Failed to parse %s=%q as bool", key, v)
		}
	}
}
