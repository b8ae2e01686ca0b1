package batching_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybatch/dispatch-engine/internal/batching"
)

type testMsg struct {
	user string
	id   string
}

func (m testMsg) UserID() string    { return m.user }
func (m testMsg) MessageID() string { return m.id }

type processCall struct {
	userID   string
	messages []batching.InboundMessage
	hctx     batching.HookContext
}

type fakeProcessor struct {
	calls chan processCall
	errFn func(attempt int) error
}

func newFakeProcessor(errFn func(attempt int) error) *fakeProcessor {
	return &fakeProcessor{calls: make(chan processCall, 64), errFn: errFn}
}

func (p *fakeProcessor) Process(
	_ context.Context,
	userID string,
	messages []batching.InboundMessage,
	hctx batching.HookContext,
) error {
	out := make([]batching.InboundMessage, len(messages))
	copy(out, messages)
	p.calls <- processCall{userID: userID, messages: out, hctx: hctx}
	if p.errFn != nil {
		return p.errFn(hctx.Attempt)
	}
	return nil
}

func (p *fakeProcessor) awaitCall(t *testing.T) processCall {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processor call")
		return processCall{}
	}
}

func (p *fakeProcessor) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-p.calls:
		t.Fatalf("unexpected processor call: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

type dlqCall struct {
	userID   string
	messages []batching.InboundMessage
	err      error
}

type fakeDLQ struct {
	calls chan dlqCall
}

func newFakeDLQ() *fakeDLQ { return &fakeDLQ{calls: make(chan dlqCall, 64)} }

func (h *fakeDLQ) OnDeadLetter(_ context.Context, userID string, messages []batching.InboundMessage, lastErr error) {
	h.calls <- dlqCall{userID: userID, messages: messages, err: lastErr}
}

func (h *fakeDLQ) awaitCall(t *testing.T) dlqCall {
	t.Helper()
	select {
	case c := <-h.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter call")
		return dlqCall{}
	}
}

func (h *fakeDLQ) expectNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.calls:
		t.Fatalf("unexpected dead letter call: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeStore struct {
	processed map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{processed: make(map[string]bool)} }

func (s *fakeStore) HasProcessed(_ context.Context, userID, messageID string) (bool, error) {
	return s.processed[userID+"/"+messageID], nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, userID, messageID string) error {
	s.processed[userID+"/"+messageID] = true
	return nil
}

func baseConfig() *batching.BatchingConfig {
	cfg := batching.DefaultBatchingConfig()
	cfg.RateLimit.TokensPerMinute = 100000
	cfg.RateLimit.BucketCapacity = 100000
	return cfg
}

// TestSilenceTriggeredDispatch is S1: a single message dispatches once the
// silence threshold elapses, with no need to wait for the (much longer)
// adaptive timeout.
func TestSilenceTriggeredDispatch(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.SilenceThreshold = 200 * time.Millisecond
	cfg.AdaptiveTimeout = 5 * time.Second
	cfg.MaxBufferSize = 10
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	store := newFakeStore()
	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock), batching.WithMessageStore(store))
	require.NoError(t, err)

	ctx := context.Background()
	msg := testMsg{user: "user1", id: "m1"}
	require.NoError(t, svc.ReceiveMessage(ctx, msg))

	clock.Advance(200 * time.Millisecond)

	call := proc.awaitCall(t)
	require.Equal(t, "user1", call.userID)
	require.Len(t, call.messages, 1)
	require.Equal(t, "m1", call.messages[0].MessageID())

	require.Eventually(t, func() bool {
		seen, _ := store.HasProcessed(ctx, "user1", "m1")
		return seen
	}, 2*time.Second, 10*time.Millisecond)
}

// TestAdaptiveTriggeredDispatch is S2: the adaptive deadline fires before
// silence would (because messages keep arriving), and message order within
// the batch is preserved.
func TestAdaptiveTriggeredDispatch(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	// silenceThreshold stays longer than the 300ms arrival gap so it never
	// fires; adaptiveTimeout (still >= silenceThreshold, per spec.md §3)
	// fires first once firstArrival+adaptiveTimeout elapses.
	cfg.SilenceThreshold = 500 * time.Millisecond
	cfg.AdaptiveTimeout = 700 * time.Millisecond
	cfg.MaxBufferSize = 10
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: fmt.Sprintf("m%d", i)}))
		clock.Advance(300 * time.Millisecond)
	}

	call := proc.awaitCall(t)
	require.Equal(t, "user1", call.userID)
	require.GreaterOrEqual(t, len(call.messages), 1)
	require.Equal(t, "m0", call.messages[0].MessageID())
}

// TestDropNewUnderLoad is S3.
func TestDropNewUnderLoad(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.MaxBufferSize = 2
	cfg.BackpressureStrategy = batching.DropNew
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m2"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m3"}))

	stats := svc.GetStats()
	require.EqualValues(t, 1, stats.DroppedMessages)
	require.Equal(t, 2, stats.PendingMessages)
}

// TestFlushAndAccept is S4.
func TestFlushAndAccept(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.MaxBufferSize = 2
	cfg.BackpressureStrategy = batching.FlushAndAccept
	cfg.SilenceThreshold = time.Hour
	cfg.AdaptiveTimeout = time.Hour
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m2"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m3"}))

	first := proc.awaitCall(t)
	require.Len(t, first.messages, 2)
	require.Equal(t, "m1", first.messages[0].MessageID())
	require.Equal(t, "m2", first.messages[1].MessageID())
}

// TestFlushAndAcceptBoundsNextGenWhenAlreadyDispatching guards against an
// unbounded next-generation slot: once a dispatch is already in flight,
// FLUSH_AND_ACCEPT has nothing left to flush, so further admissions must
// still respect MaxBufferSize instead of growing the next generation
// without limit.
func TestFlushAndAcceptBoundsNextGenWhenAlreadyDispatching(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.MaxBufferSize = 1
	cfg.BackpressureStrategy = batching.FlushAndAccept
	cfg.SilenceThreshold = time.Hour
	cfg.AdaptiveTimeout = time.Hour
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	proc := newFakeProcessor(nil)
	blocking := &blockingOnceProcessor{inner: proc, started: started, release: release}

	svc, err := batching.NewBatchingService(cfg, blocking, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m2"}))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first dispatch to start")
	}

	// The first dispatch (batch [m1]) is now blocked inside Process. m2
	// already landed in the next-generation slot. Every further admission
	// below must evict the previous next-gen occupant instead of piling up.
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m3"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m4"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m5"}))

	stats := svc.GetStats()
	require.Equal(t, 1, stats.PendingMessages)
	require.Equal(t, int64(3), stats.DroppedMessages)

	close(release)
	first := proc.awaitCall(t)
	require.Len(t, first.messages, 1)
	require.Equal(t, "m1", first.messages[0].MessageID())
}

// blockingOnceProcessor delegates to inner but blocks on release before its
// first call returns, so a test can observe and extend an in-flight
// dispatch deterministically.
type blockingOnceProcessor struct {
	inner   batching.MessageProcessor
	started chan struct{}
	release chan struct{}
	blocked bool
}

func (p *blockingOnceProcessor) Process(
	ctx context.Context,
	userID string,
	messages []batching.InboundMessage,
	hctx batching.HookContext,
) error {
	if !p.blocked {
		p.blocked = true
		p.started <- struct{}{}
		<-p.release
	}
	return p.inner.Process(ctx, userID, messages, hctx)
}

// TestRetryThenDeadLetter is S5.
func TestRetryThenDeadLetter(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.ErrorHandling.MaxRetries = 1
	cfg.ErrorHandling.RetryDelay = 50 * time.Millisecond
	dlq := newFakeDLQ()
	cfg.ErrorHandling.DeadLetterHandler = dlq

	proc := newFakeProcessor(func(int) error { return fmt.Errorf("boom") })
	store := newFakeStore()
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock), batching.WithMessageStore(store))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))

	clock.Advance(cfg.SilenceThreshold)

	first := proc.awaitCall(t)
	require.Equal(t, 0, first.hctx.Attempt)

	second := proc.awaitCall(t)
	require.Equal(t, 1, second.hctx.Attempt)

	call := dlq.awaitCall(t)
	require.Equal(t, "user1", call.userID)
	require.Len(t, call.messages, 1)

	seen, _ := store.HasProcessed(ctx, "user1", "m1")
	require.False(t, seen)
}

type spamInterruptHook struct{}

func (spamInterruptHook) Run(_ context.Context, hctx batching.HookContext) error {
	for _, m := range hctx.Messages {
		if m.MessageID() == "spam" {
			return &batching.HookInterrupted{Reason: "spam filter", Code: "SPAM"}
		}
	}
	return nil
}

// TestHookInterruption is S6.
func TestHookInterruption(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	dlq := newFakeDLQ()
	cfg.ErrorHandling.DeadLetterHandler = dlq

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc,
		batching.WithClock(clock),
		batching.WithPreHooks(spamInterruptHook{}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "spam"}))

	clock.Advance(cfg.SilenceThreshold)

	proc.expectNoCall(t)
	dlq.expectNoCall(t)
}

// TestDuplicateMessageIgnored verifies the dedup gate drops an already
// processed message before it ever reaches the buffer.
func TestDuplicateMessageIgnored(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	store := newFakeStore()
	require.NoError(t, store.MarkProcessed(context.Background(), "user1", "m1"))

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock), batching.WithMessageStore(store))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))

	clock.Advance(cfg.SilenceThreshold)
	proc.expectNoCall(t)
}

// TestRateLimitDenialTreatedAsOverCapacity verifies a denied token bucket
// permit is handled by the backpressure policy exactly like a full buffer.
func TestRateLimitDenialTreatedAsOverCapacity(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := batching.DefaultBatchingConfig()
	cfg.RateLimit.TokensPerMinute = 60
	cfg.RateLimit.BucketCapacity = 1
	cfg.BackpressureStrategy = batching.DropNew
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m2"}))

	stats := svc.GetStats()
	require.EqualValues(t, 1, stats.DroppedMessages)
}

// TestShutdownDrainsRemainingBuffer verifies Shutdown dead-letters whatever
// is still buffered once in-flight dispatches have had a chance to finish.
func TestShutdownDrainsRemainingBuffer(t *testing.T) {
	clock := batching.NewFakeClock(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.SilenceThreshold = time.Hour
	cfg.AdaptiveTimeout = time.Hour
	dlq := newFakeDLQ()
	cfg.ErrorHandling.DeadLetterHandler = dlq

	proc := newFakeProcessor(nil)
	svc, err := batching.NewBatchingService(cfg, proc, batching.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m1"}))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	call := dlq.awaitCall(t)
	require.Equal(t, "user1", call.userID)
	require.Len(t, call.messages, 1)

	require.ErrorIs(t, svc.ReceiveMessage(ctx, testMsg{user: "user1", id: "m2"}), batching.ErrShutdownInProgress)
}

// TestConfigValidateRejectsBadFields is a light sanity check of the
// hand-rolled validator's field coverage.
func TestConfigValidateRejectsBadFields(t *testing.T) {
	cfg := batching.DefaultBatchingConfig()
	cfg.MaxBufferSize = 0
	require.Error(t, cfg.Validate())

	cfg = batching.DefaultBatchingConfig()
	cfg.ErrorHandling.DeadLetterHandler = nil
	require.Error(t, cfg.Validate())

	cfg = batching.DefaultBatchingConfig()
	cfg.ErrorHandling.DeadLetterHandler = newFakeDLQ()
	require.NoError(t, cfg.Validate())
}
