package batching

import (
	"context"

	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// MessageStore is the persistent dedup collaborator this engine consumes.
// Implementations may fail; DedupGate treats every failure as "not seen"
// per spec.md §4.3 and §6, so deduplication is always best-effort and never
// takes the pipeline down.
type MessageStore interface {
	HasProcessed(ctx context.Context, userID, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, userID, messageID string) error
}

// DedupGate wraps a MessageStore with the engine's own failure discipline.
type DedupGate struct {
	store MessageStore
}

// NewDedupGate wraps store. A nil store makes every message pass through
// unseen and every commit a no-op — useful for callers that don't need
// cross-restart dedup.
func NewDedupGate(store MessageStore) *DedupGate {
	return &DedupGate{store: store}
}

// Seen reports whether messageID has already been processed for userID.
// Store errors are logged and treated as "not seen".
func (g *DedupGate) Seen(ctx context.Context, userID, messageID string) bool {
	if g.store == nil {
		return false
	}
	seen, err := g.store.HasProcessed(ctx, userID, messageID)
	if err != nil {
		logger.FromContext(ctx).
			With("user_id", userID, "message_id", messageID, "error", err).
			Warn("dedup store lookup failed, treating message as unseen")
		return false
	}
	return seen
}

// Commit records messageID as processed. It must only be called after the
// processor has returned success for the batch containing it. Failures are
// logged; the message simply remains un-committed, preserving at-least-once
// delivery per spec.md §4.3.
func (g *DedupGate) Commit(ctx context.Context, userID, messageID string) {
	if g.store == nil {
		return
	}
	if err := g.store.MarkProcessed(ctx, userID, messageID); err != nil {
		logger.FromContext(ctx).
			With("user_id", userID, "message_id", messageID, "error", err).
			Warn("dedup store commit failed, message remains uncommitted")
	}
}
