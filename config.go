package dset

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tailscale/hujson"
)

// Config controls when buffered data is flushed to the backing store and
// how storage failures are retried. The zero value of a trigger threshold
// disables that trigger; a run with all triggers disabled only flushes on
// [Run.FlushNow] and [Run.Complete].
type Config struct {
	// MaxSamples flushes once at least this many unflushed values are
	// buffered across all parameters. 0 disables.
	MaxSamples int `json:"max_samples"`

	// MaxBytes flushes once the unflushed byte estimate reaches this
	// size. 0 disables.
	MaxBytes int `json:"max_bytes"`

	// MaxInterval flushes on a timer when any unflushed data is older
	// than this. 0 disables the timer.
	MaxInterval time.Duration `json:"-"`

	// RetryLimit is the maximum number of transaction attempts per flush
	// before the run is interrupted. 0 means the default (5).
	RetryLimit int `json:"retry_limit"`

	// BackoffBase is the first retry delay; subsequent delays double up
	// to a fixed cap. 0 means the default (50ms).
	BackoffBase time.Duration `json:"-"`

	// TrimFlushed evicts flushed rows from memory after each successful
	// flush. Readers then transparently fall through to the store for
	// evicted ranges. Off by default: retaining rows keeps reads cheap
	// for typical run sizes.
	TrimFlushed bool `json:"trim_flushed"`
}

// Default retry policy, applied when the corresponding Config field is 0.
const (
	defaultRetryLimit  = 5
	defaultBackoffBase = 50 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// DefaultConfig returns the default configuration: time-based flushing
// once per second, no size triggers, default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxInterval: time.Second,
		RetryLimit:  defaultRetryLimit,
		BackoffBase: defaultBackoffBase,
	}
}

// validate rejects negative thresholds.
func (c Config) validate() error {
	if c.MaxSamples < 0 || c.MaxBytes < 0 || c.MaxInterval < 0 {
		return fmt.Errorf("%w: thresholds must be >= 0", ErrInvalidConfig)
	}

	if c.RetryLimit < 0 || c.BackoffBase < 0 {
		return fmt.Errorf("%w: retry policy must be >= 0", ErrInvalidConfig)
	}

	return nil
}

// withDefaults fills in the retry policy defaults.
func (c Config) withDefaults() Config {
	if c.RetryLimit == 0 {
		c.RetryLimit = defaultRetryLimit
	}

	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}

	return c
}

// fileConfig is the on-disk representation. Durations are strings
// ("500ms", "2s") and every field is optional; absent fields keep the
// value they had before the file was applied.
type fileConfig struct {
	MaxSamples  *int    `json:"max_samples"`
	MaxBytes    *int    `json:"max_bytes"`
	MaxInterval *string `json:"max_interval"`
	RetryLimit  *int    `json:"retry_limit"`
	BackoffBase *string `json:"backoff_base"`
	TrimFlushed *bool   `json:"trim_flushed"`
}

// LoadFile reads a HuJSON config file (JSON with comments and trailing
// commas) and applies it over the defaults. A missing file is not an
// error; the defaults are returned.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the caller
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	var fc fileConfig

	err = json.Unmarshal(std, &fc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	cfg, err = fc.apply(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	err = cfg.validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (fc fileConfig) apply(cfg Config) (Config, error) {
	if fc.MaxSamples != nil {
		cfg.MaxSamples = *fc.MaxSamples
	}

	if fc.MaxBytes != nil {
		cfg.MaxBytes = *fc.MaxBytes
	}

	if fc.MaxInterval != nil {
		d, err := time.ParseDuration(*fc.MaxInterval)
		if err != nil {
			return Config{}, fmt.Errorf("max_interval: %w", err)
		}

		cfg.MaxInterval = d
	}

	if fc.RetryLimit != nil {
		cfg.RetryLimit = *fc.RetryLimit
	}

	if fc.BackoffBase != nil {
		d, err := time.ParseDuration(*fc.BackoffBase)
		if err != nil {
			return Config{}, fmt.Errorf("backoff_base: %w", err)
		}

		cfg.BackoffBase = d
	}

	if fc.TrimFlushed != nil {
		cfg.TrimFlushed = *fc.TrimFlushed
	}

	return cfg, nil
}

// envConfig mirrors Config for environment overrides. Pointer fields are
// only applied when the variable is actually set.
type envConfig struct {
	MaxSamples  *int           `envconfig:"MAX_SAMPLES"`
	MaxBytes    *int           `envconfig:"MAX_BYTES"`
	MaxInterval *time.Duration `envconfig:"MAX_INTERVAL"`
	RetryLimit  *int           `envconfig:"RETRY_LIMIT"`
	BackoffBase *time.Duration `envconfig:"BACKOFF_BASE"`
	TrimFlushed *bool          `envconfig:"TRIM_FLUSHED"`
}

// ApplyEnv overlays DSET_* environment variables (DSET_MAX_SAMPLES,
// DSET_MAX_INTERVAL, ...) onto cfg. Unset variables leave cfg untouched,
// so precedence is defaults < file < environment.
func ApplyEnv(cfg Config) (Config, error) {
	var ec envConfig

	err := envconfig.Process("dset", &ec)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if ec.MaxSamples != nil {
		cfg.MaxSamples = *ec.MaxSamples
	}

	if ec.MaxBytes != nil {
		cfg.MaxBytes = *ec.MaxBytes
	}

	if ec.MaxInterval != nil {
		cfg.MaxInterval = *ec.MaxInterval
	}

	if ec.RetryLimit != nil {
		cfg.RetryLimit = *ec.RetryLimit
	}

	if ec.BackoffBase != nil {
		cfg.BackoffBase = *ec.BackoffBase
	}

	if ec.TrimFlushed != nil {
		cfg.TrimFlushed = *ec.TrimFlushed
	}

	err = cfg.validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}
