package batching

import (
	"fmt"
	"time"

	"github.com/relaybatch/dispatch-engine/internal/core"
)

// BackpressureStrategy selects the admission behavior once a user's buffer
// is at capacity. See spec.md §4.4 for the full semantics table.
type BackpressureStrategy string

const (
	DropNew                 BackpressureStrategy = "DROP_NEW"
	DropOldest              BackpressureStrategy = "DROP_OLDEST"
	RejectWithNotification  BackpressureStrategy = "REJECT_WITH_NOTIFICATION"
	BlockUntilSpace         BackpressureStrategy = "BLOCK_UNTIL_SPACE"
	FlushAndAccept          BackpressureStrategy = "FLUSH_AND_ACCEPT"
)

func (s BackpressureStrategy) valid() bool {
	switch s {
	case DropNew, DropOldest, RejectWithNotification, BlockUntilSpace, FlushAndAccept:
		return true
	default:
		return false
	}
}

// RateLimitConfig configures the per-user TokenBucket.
type RateLimitConfig struct {
	TokensPerMinute int
	BucketCapacity  int
}

// ErrorHandlingStrategy configures RetryExecutor.
type ErrorHandlingStrategy struct {
	MaxRetries         int
	RetryDelay         time.Duration
	DeadLetterHandler  DeadLetterHandler
}

// BatchingConfig is the validated, immutable configuration for a
// BatchingService. It is built from DefaultBatchingConfig or by literal
// construction, followed by an explicit Validate() call — there is no
// fluent builder, per spec.md §9's explicit direction to replace the
// source's builder pattern with a plain value object.
type BatchingConfig struct {
	AdaptiveTimeout      time.Duration
	SilenceThreshold     time.Duration
	MaxBufferSize        int
	BackpressureStrategy BackpressureStrategy
	BlockTimeout         time.Duration // upper bound for BLOCK_UNTIL_SPACE waits
	RateLimit            RateLimitConfig
	ErrorHandling        ErrorHandlingStrategy
	NotificationHandler  func(userID string, msg InboundMessage) // REJECT_WITH_NOTIFICATION callback
	// MaxWorkers bounds the dispatch worker pool. Not present in the
	// distilled spec; added so a systems-language rendition has an explicit,
	// finite concurrency ceiling instead of one goroutine per dispatch.
	MaxWorkers int
}

// DefaultBatchingConfig returns the documented defaults from spec.md §3.
// It leaves ErrorHandling.DeadLetterHandler nil, so the result fails
// Validate() until a handler is set; Validate() fills in no fields.
func DefaultBatchingConfig() *BatchingConfig {
	return &BatchingConfig{
		AdaptiveTimeout:      5 * time.Second,
		SilenceThreshold:     1 * time.Second,
		MaxBufferSize:        50,
		BackpressureStrategy: DropNew,
		BlockTimeout:         30 * time.Second,
		RateLimit: RateLimitConfig{
			TokensPerMinute: 60,
			BucketCapacity:  10,
		},
		ErrorHandling: ErrorHandlingStrategy{
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
		},
		MaxWorkers: 64,
	}
}

// Validate enumerates each field and its permitted range by hand, per
// spec.md §9's REDESIGN FLAG replacing the source's global validator
// framework. A failing field is reported as a *core.Error with
// Code = CONFIG_INVALID and Details["field"] naming the offender.
func (c *BatchingConfig) Validate() error {
	if c == nil {
		return configErr("config", "config is nil")
	}
	if c.SilenceThreshold <= 0 {
		return configErr("silenceThreshold", "must be positive")
	}
	if c.AdaptiveTimeout < c.SilenceThreshold {
		return configErr("adaptiveTimeout", "must be >= silenceThreshold")
	}
	if c.MaxBufferSize < 1 || c.MaxBufferSize > 10000 {
		return configErr("maxBufferSize", "must be between 1 and 10000")
	}
	if !c.BackpressureStrategy.valid() {
		return configErr("backpressureStrategy", "unrecognized strategy")
	}
	if c.BackpressureStrategy == BlockUntilSpace && c.BlockTimeout <= 0 {
		return configErr("blockTimeout", "must be positive when backpressureStrategy is BLOCK_UNTIL_SPACE")
	}
	if c.BackpressureStrategy == RejectWithNotification && c.NotificationHandler == nil {
		return configErr("notificationHandler", "must be set when backpressureStrategy is REJECT_WITH_NOTIFICATION")
	}
	if c.RateLimit.TokensPerMinute < 1 || c.RateLimit.TokensPerMinute > 10000 {
		return configErr("rateLimitConfig.tokensPerMinute", "must be between 1 and 10000")
	}
	if c.RateLimit.BucketCapacity < 1 {
		return configErr("rateLimitConfig.bucketCapacity", "must be >= 1")
	}
	if c.ErrorHandling.MaxRetries < 0 || c.ErrorHandling.MaxRetries > 10 {
		return configErr("errorHandlingStrategy.maxRetries", "must be between 0 and 10")
	}
	if c.ErrorHandling.RetryDelay < 0 {
		return configErr("errorHandlingStrategy.retryDelay", "must not be negative")
	}
	if c.ErrorHandling.DeadLetterHandler == nil {
		return configErr("errorHandlingStrategy.deadLetterHandler", "must be set")
	}
	if c.MaxWorkers < 1 {
		return configErr("maxWorkers", "must be >= 1")
	}
	return nil
}

func configErr(field, reason string) error {
	return core.NewError(
		fmt.Errorf("%s: %s", field, reason),
		core.CodeConfigInvalid,
		map[string]any{"field": field},
	)
}
