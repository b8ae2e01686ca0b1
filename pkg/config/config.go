// Package config loads the batchengine demo's application configuration:
// process-level settings (listen address, Redis address, logging) layered
// over the BatchingConfig defaults, the same layering approach (struct
// defaults overridden by environment variables) the teacher codebase uses
// via koanf.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/relaybatch/dispatch-engine/internal/batching"
	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// AppConfig is the process-level configuration for cmd/batchengine.
type AppConfig struct {
	RedisAddr        string        `koanf:"redis_addr"`
	LogLevel         string        `koanf:"log_level"`
	LogJSON          bool          `koanf:"log_json"`
	AdaptiveTimeout  time.Duration `koanf:"adaptive_timeout"`
	SilenceThreshold time.Duration `koanf:"silence_threshold"`
	MaxBufferSize    int           `koanf:"max_buffer_size"`
	MaxWorkers       int           `koanf:"max_workers"`
	TokensPerMinute  int           `koanf:"tokens_per_minute"`
	BucketCapacity   int           `koanf:"bucket_capacity"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
}

// Default returns the demo's baseline configuration, mirroring
// batching.DefaultBatchingConfig where the two overlap.
func Default() AppConfig {
	bc := batching.DefaultBatchingConfig()
	return AppConfig{
		RedisAddr:        "localhost:6379",
		LogLevel:         string(logger.InfoLevel),
		LogJSON:          false,
		AdaptiveTimeout:  bc.AdaptiveTimeout,
		SilenceThreshold: bc.SilenceThreshold,
		MaxBufferSize:    bc.MaxBufferSize,
		MaxWorkers:       bc.MaxWorkers,
		TokensPerMinute:  bc.RateLimit.TokensPerMinute,
		BucketCapacity:   bc.RateLimit.BucketCapacity,
		MaxRetries:       bc.ErrorHandling.MaxRetries,
		RetryDelay:       bc.ErrorHandling.RetryDelay,
	}
}

// envPrefix is the namespace every environment variable must carry to be
// picked up, e.g. DISPATCH_REDIS_ADDR, DISPATCH_MAX_BUFFER_SIZE.
const envPrefix = "DISPATCH_"

// Load builds an AppConfig from Default, overridden by DISPATCH_*
// environment variables.
func Load() (AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return AppConfig{}, fmt.Errorf("config: loading defaults: %w", err)
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(k, v string) (string, any) {
			key := strings.ToLower(strings.TrimPrefix(k, envPrefix))
			return key, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return AppConfig{}, fmt.Errorf("config: loading environment: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return cfg, nil
}

// ToBatchingConfig projects the subset of AppConfig that configures the
// engine itself into a batching.BatchingConfig. Callers still need to set
// BackpressureStrategy, which AppConfig does not carry, and
// NotificationHandler and DeadLetterHandler, which are callbacks with no
// environment-variable form.
func (c AppConfig) ToBatchingConfig() *batching.BatchingConfig {
	return &batching.BatchingConfig{
		AdaptiveTimeout:  c.AdaptiveTimeout,
		SilenceThreshold: c.SilenceThreshold,
		MaxBufferSize:    c.MaxBufferSize,
		BlockTimeout:     30 * time.Second,
		MaxWorkers:       c.MaxWorkers,
		RateLimit: batching.RateLimitConfig{
			TokensPerMinute: c.TokensPerMinute,
			BucketCapacity:  c.BucketCapacity,
		},
		ErrorHandling: batching.ErrorHandlingStrategy{
			MaxRetries: c.MaxRetries,
			RetryDelay: c.RetryDelay,
		},
	}
}
