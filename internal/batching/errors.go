package batching

import (
	"fmt"

	"github.com/relaybatch/dispatch-engine/internal/core"
)

// HookInterrupted is returned by a ProcessingHook's Run to cooperatively
// halt a dispatch (the moderation/filtering contract in spec.md §4.6). It
// is detected with errors.As, never by sentinel comparison, since Reason
// and Code carry caller-meaningful context.
type HookInterrupted struct {
	Reason string
	Code   string
}

func (e *HookInterrupted) Error() string {
	return fmt.Sprintf("hook interrupted: %s (%s)", e.Reason, e.Code)
}

// BlockTimeoutError is returned by ReceiveMessage when BLOCK_UNTIL_SPACE
// could not acquire room in the configured timeout.
type BlockTimeoutError struct {
	UserID string
}

func (e *BlockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for buffer space for user %q", e.UserID)
}

// newBlockTimeoutError wraps a BlockTimeoutError with core.CodeBlockTimeout
// per the taxonomy in spec.md §7, so callers can branch on Code instead of
// type-asserting BlockTimeoutError directly.
func newBlockTimeoutError(userID string) error {
	return core.NewError(&BlockTimeoutError{UserID: userID}, core.CodeBlockTimeout, map[string]any{"user_id": userID})
}

// ErrShutdownInProgress is returned by ReceiveMessage once Shutdown has been
// called, and passed to DeadLetterHandler.OnDeadLetter for messages still
// buffered at shutdown. It carries core.CodeShutdownInProgress per the
// taxonomy in spec.md §7.
var ErrShutdownInProgress = core.NewError(
	fmt.Errorf("batching service is shutting down"),
	core.CodeShutdownInProgress,
	nil,
)
