package batching

import (
	"context"
	"errors"
	"time"

	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// HookContext is the immutable value passed to every pre/post hook
// invocation for a dispatch attempt. See spec.md §4.6.
type HookContext struct {
	UserID    string
	Messages  []InboundMessage
	BatchSize int
	Attempt   int // 0-indexed
	IsRetry   bool
	StartedAt time.Time
}

// ProcessingHook is invoked before and after each dispatch attempt. A
// pre-hook may return a *HookInterrupted to cooperatively halt the chain;
// any other error is logged and treated as success for that hook.
type ProcessingHook interface {
	Run(ctx context.Context, hctx HookContext) error
}

// HookChain runs pre-hooks and post-hooks in registration order.
type HookChain struct {
	pre  []ProcessingHook
	post []ProcessingHook
}

// NewHookChain builds a chain from ordered pre- and post-hook lists.
func NewHookChain(pre, post []ProcessingHook) *HookChain {
	return &HookChain{pre: pre, post: post}
}

// runPre runs pre-hooks in order. If a hook returns *HookInterrupted, the
// chain halts immediately and that error is returned so the caller can
// discard the batch without invoking the processor. Any other hook error is
// logged and swallowed so a buggy hook never blocks the pipeline.
func (c *HookChain) runPre(ctx context.Context, hctx HookContext) error {
	for _, h := range c.pre {
		err := h.Run(ctx, hctx)
		if err == nil {
			continue
		}
		var interrupted *HookInterrupted
		if errors.As(err, &interrupted) {
			return interrupted
		}
		logger.FromContext(ctx).
			With("user_id", hctx.UserID, "attempt", hctx.Attempt, "error", err).
			Warn("pre-hook raised an unexpected error, continuing as if it succeeded")
	}
	return nil
}

// runPost runs post-hooks in order after every processor call, whether it
// succeeded or failed. HookContext carries no success/failure field, so
// post-hooks are not told the outcome. Hook errors are logged and never
// propagated.
func (c *HookChain) runPost(ctx context.Context, hctx HookContext) {
	for _, h := range c.post {
		if err := h.Run(ctx, hctx); err != nil {
			logger.FromContext(ctx).
				With("user_id", hctx.UserID, "attempt", hctx.Attempt, "error", err).
				Warn("post-hook raised an unexpected error, ignoring")
		}
	}
}
