// Package config loads the environment inputs: database endpoint,
// backend selection, queue/worker parameters, eviction parameters, and
// table-name prefixes. Values layer file < environment, with the
// documented defaults underneath; environment variables use the
// PARTITIONCACHE_ prefix with _ in place of the key separator
// (PARTITIONCACHE_DATABASE_URL, PARTITIONCACHE_QUEUE_TIMEOUT, ...).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/eviction"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// ErrInvalid marks a configuration the process must refuse to start with.
// Configuration failures are fatal and propagate to startup callers.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Database Database `mapstructure:"database"`
	Cache    Cache    `mapstructure:"cache"`
	Queue    Queue    `mapstructure:"queue"`
	Eviction Eviction `mapstructure:"eviction"`
}

type Database struct {
	URL string `mapstructure:"url"`
}

type Cache struct {
	// Backend selects the set representation: array, bit, roaringbit, or
	// generic.
	Backend     string `mapstructure:"backend"`
	TablePrefix string `mapstructure:"table_prefix"`
	FactTable   string `mapstructure:"fact_table"`

	// PartitionKey and Datatype declare the column the cache is keyed on.
	PartitionKey string `mapstructure:"partition_key"`
	Datatype     string `mapstructure:"datatype"`

	// DefaultBitsize seeds the bit backend's value-domain bound; the
	// backend grows it monotonically on demand.
	DefaultBitsize int `mapstructure:"default_bitsize"`
}

type Queue struct {
	MaxParallelWorkers int           `mapstructure:"max_parallel_workers"`
	Frequency          time.Duration `mapstructure:"frequency"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ResultLimit        int           `mapstructure:"result_limit"`
	MaxSize            int           `mapstructure:"max_size"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
}

type Eviction struct {
	Enabled   bool          `mapstructure:"enabled"`
	Strategy  string        `mapstructure:"strategy"`
	Threshold int           `mapstructure:"threshold"`
	Frequency time.Duration `mapstructure:"frequency"`
}

// Load reads an optional partitioncache.yaml from the working directory,
// overlays PARTITIONCACHE_* environment variables, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("cache.backend", "array")
	v.SetDefault("cache.table_prefix", "partitioncache")
	v.SetDefault("cache.datatype", "int64")
	v.SetDefault("cache.default_bitsize", 1024)
	v.SetDefault("queue.max_parallel_workers", 2)
	v.SetDefault("queue.frequency", time.Second)
	v.SetDefault("queue.timeout", 1800*time.Second)
	v.SetDefault("queue.result_limit", 1_000_000)
	v.SetDefault("queue.max_size", 0)
	v.SetDefault("queue.stale_after", 5*time.Minute)
	v.SetDefault("eviction.enabled", false)
	v.SetDefault("eviction.strategy", "oldest")
	v.SetDefault("eviction.threshold", 1000)
	v.SetDefault("eviction.frequency", time.Hour)

	v.SetConfigName("partitioncache")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	v.SetEnvPrefix("PARTITIONCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required", ErrInvalid)
	}

	if c.Cache.FactTable == "" {
		return fmt.Errorf("%w: cache.fact_table is required", ErrInvalid)
	}

	if c.Cache.PartitionKey == "" {
		return fmt.Errorf("%w: cache.partition_key is required", ErrInvalid)
	}

	if _, err := c.ParsedDatatype(); err != nil {
		return err
	}

	if _, err := c.BackendKind(); err != nil {
		return err
	}

	if _, err := eviction.ParseStrategy(c.Eviction.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// ParsedDatatype resolves the declared partition-key datatype.
func (c *Config) ParsedDatatype() (pktype.Datatype, error) {
	dt, err := pktype.ParseDatatype(c.Cache.Datatype)
	if err != nil {
		return dt, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return dt, nil
}

// BackendKind resolves the backend-selection string onto a cache.Kind.
func (c *Config) BackendKind() (cache.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "array", "sortedarray":
		return cache.KindArray, nil
	case "bit", "densebit":
		return cache.KindBit, nil
	case "roaringbit", "roaring":
		return cache.KindRoaringBit, nil
	case "generic", "genericset":
		return cache.KindGeneric, nil
	default:
		return cache.KindUnknown, fmt.Errorf("%w: unknown cache backend %q", ErrInvalid, c.Cache.Backend)
	}
}

// EvictionStrategy resolves the configured strategy string; Validate has
// already guaranteed it parses.
func (c *Config) EvictionStrategy() eviction.Strategy {
	s, _ := eviction.ParseStrategy(c.Eviction.Strategy)
	return s
}
