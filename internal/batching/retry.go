package batching

import (
	"context"

	"github.com/sethvargo/go-retry"

	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// DeadLetterHandler is invoked at most once per failed batch, after every
// retry attempt has been exhausted, and by Shutdown for messages still
// buffered when it runs.
type DeadLetterHandler interface {
	OnDeadLetter(ctx context.Context, userID string, messages []InboundMessage, lastErr error)
}

// MessageProcessor is the downstream collaborator invoked with a drained
// batch. A non-nil error is a processor failure under spec.md §4.7.
type MessageProcessor interface {
	Process(ctx context.Context, userID string, messages []InboundMessage, hctx HookContext) error
}

// RetryExecutor invokes a MessageProcessor with exponential backoff and
// jitter, built on the same github.com/sethvargo/go-retry call sequence the
// teacher codebase uses for its own retrying provisioning step: NewExponential
// -> WithMaxRetries -> WithJitterPercent -> Do. Backoff delays are not capped.
type RetryExecutor struct {
	processor MessageProcessor
	strategy  ErrorHandlingStrategy
}

// NewRetryExecutor builds an executor around processor and strategy.
func NewRetryExecutor(processor MessageProcessor, strategy ErrorHandlingStrategy) *RetryExecutor {
	return &RetryExecutor{processor: processor, strategy: strategy}
}

// Run invokes the processor, retrying on failure up to strategy.MaxRetries
// additional times with exponential backoff (multiplier 2.0) and ±20%
// jitter. On final failure it synchronously invokes the DeadLetterHandler
// and swallows any error that handler itself raises (logged, messages lost
// by design per spec.md §4.7). attempt is reported via hctxForAttempt so
// callers can run pre/post hooks with the correct HookContext.Attempt.
func (r *RetryExecutor) Run(
	ctx context.Context,
	userID string,
	messages []InboundMessage,
	hctxForAttempt func(attempt int) HookContext,
	runPre func(ctx context.Context, hctx HookContext) error,
	runPost func(ctx context.Context, hctx HookContext),
) error {
	backoff := retry.NewExponential(r.strategy.RetryDelay)
	backoff = retry.WithMaxRetries(uint64(r.strategy.MaxRetries), backoff)
	backoff = retry.WithJitterPercent(20, backoff)

	attempt := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		hctx := hctxForAttempt(attempt)
		if preErr := runPre(ctx, hctx); preErr != nil {
			// Cooperative interruption aborts the whole dispatch, not just
			// this attempt; it is returned without retry.RetryableError so
			// retry.Do stops immediately instead of burning the retry budget.
			return preErr
		}
		procErr := r.processor.Process(ctx, userID, messages, hctx)
		runPost(ctx, hctx)
		if procErr == nil {
			return nil
		}
		lastErr = procErr
		attempt++
		logger.FromContext(ctx).
			With("user_id", userID, "attempt", hctx.Attempt, "error", procErr).
			Warn("processor failed, scheduling retry")
		return retry.RetryableError(procErr)
	})
	if err == nil {
		return nil
	}

	var interrupted *HookInterrupted
	if isHookInterrupted(err, &interrupted) {
		// Discarded, not dead-lettered: the batch is filtered, not failed.
		return interrupted
	}

	if lastErr == nil {
		lastErr = err
	}
	r.deadLetter(ctx, userID, messages, lastErr)
	return lastErr
}

func (r *RetryExecutor) deadLetter(ctx context.Context, userID string, messages []InboundMessage, lastErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.FromContext(ctx).
				With("user_id", userID, "panic", rec).
				Error("dead letter handler panicked, messages lost")
		}
	}()
	r.strategy.DeadLetterHandler.OnDeadLetter(ctx, userID, messages, lastErr)
}

func isHookInterrupted(err error, target **HookInterrupted) bool {
	for err != nil {
		if hi, ok := err.(*HookInterrupted); ok {
			*target = hi
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
