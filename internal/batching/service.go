// Package batching implements the per-user message batching and dispatch
// engine: it aggregates inbound messages per user, smooths bursts into
// batches via adaptive/silence timers, enforces per-user rate limits,
// applies backpressure when a user's buffer is full, runs cooperative
// pre/post hooks around dispatch, and hands batches to a downstream
// MessageProcessor with retry and dead-letter semantics.
package batching

import (
	"context"
	"errors"
	"sync"

	"github.com/relaybatch/dispatch-engine/internal/core"
	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// userState is the per-user unit of ownership: one buffer, one rate
// limiter, one identity. BatchingService owns the table of these; nothing
// outside this package ever sees one directly.
type userState struct {
	userID  string
	buffer  *UserBuffer
	limiter *TokenBucket
}

// Option configures optional BatchingService collaborators.
type Option func(*serviceOptions)

type serviceOptions struct {
	clock   Clock
	store   MessageStore
	pre     []ProcessingHook
	post    []ProcessingHook
	metrics MetricsRecorder
}

// MetricsRecorder is the narrow instrumentation surface BatchingService
// reports onto. internal/metrics.Metrics satisfies this structurally;
// nothing in this package imports that package directly, so instrumenting
// the engine never forces a Prometheus dependency on callers who don't want
// one.
type MetricsRecorder interface {
	RecordReceived()
	RecordDuplicate()
	RecordAdmission(result string)
	RecordDispatchStart(batchSize int) func()
	RecordRetry()
	RecordDeadLetter()
	RecordHookInterruption(code string)
	SetActiveUsers(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordReceived()                {}
func (noopMetrics) RecordDuplicate()               {}
func (noopMetrics) RecordAdmission(string)         {}
func (noopMetrics) RecordDispatchStart(int) func() { return func() {} }
func (noopMetrics) RecordRetry()                   {}
func (noopMetrics) RecordDeadLetter()              {}
func (noopMetrics) RecordHookInterruption(string)  {}
func (noopMetrics) SetActiveUsers(int)             {}

// WithMetrics wires a MetricsRecorder; without this option the engine
// records nothing.
func WithMetrics(m MetricsRecorder) Option { return func(o *serviceOptions) { o.metrics = m } }

// WithClock overrides the engine's time source; tests use this to inject a
// FakeClock so silence/adaptive timing scenarios are deterministic.
func WithClock(c Clock) Option { return func(o *serviceOptions) { o.clock = c } }

// WithMessageStore wires a MessageStore for DedupGate. Without this option
// dedup is a no-op: every message is treated as unseen.
func WithMessageStore(s MessageStore) Option { return func(o *serviceOptions) { o.store = s } }

// WithPreHooks registers pre-dispatch hooks, run in the given order before
// every dispatch attempt (including retries).
func WithPreHooks(h ...ProcessingHook) Option {
	return func(o *serviceOptions) { o.pre = append(o.pre, h...) }
}

// WithPostHooks registers post-dispatch hooks, run in the given order after
// every completed dispatch attempt.
func WithPostHooks(h ...ProcessingHook) Option {
	return func(o *serviceOptions) { o.post = append(o.post, h...) }
}

// BatchingService is the public façade described in spec.md §4.8:
// receive, route, dispatch, shutdown.
type BatchingService struct {
	cfg       *BatchingConfig
	clock     Clock
	dedup     *DedupGate
	hooks     *HookChain
	retryExec *RetryExecutor
	pool      *workerPool
	counters  serviceCounters
	metrics   MetricsRecorder

	usersMu sync.Mutex
	users   map[string]*userState

	shutdownMu sync.Mutex
	shutdown   bool
	dispatchWG sync.WaitGroup
}

// NewBatchingService constructs the service. cfg and processor are both
// required at construction per spec.md §4.8; a missing one is a programming
// error and panics immediately rather than surfacing at the first
// ReceiveMessage call. An invalid cfg (failing Validate) returns a
// *core.Error instead of panicking, since malformed configuration is a
// recoverable, data-driven condition in most embedding applications.
func NewBatchingService(cfg *BatchingConfig, processor MessageProcessor, opts ...Option) (*BatchingService, error) {
	if cfg == nil {
		panic("batching: cfg must not be nil")
	}
	if processor == nil {
		panic("batching: processor must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &serviceOptions{clock: NewRealClock(), metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(o)
	}

	return &BatchingService{
		cfg:       cfg,
		clock:     o.clock,
		dedup:     NewDedupGate(o.store),
		hooks:     NewHookChain(o.pre, o.post),
		retryExec: NewRetryExecutor(processor, cfg.ErrorHandling),
		pool:      newWorkerPool(cfg.MaxWorkers),
		users:     make(map[string]*userState),
		metrics:   o.metrics,
	}, nil
}

func inputInvalid(reason string) error {
	return core.NewError(errors.New(reason), core.CodeInputInvalid, nil)
}

// ReceiveMessage admits msg for processing. It is non-blocking for every
// backpressure strategy except BLOCK_UNTIL_SPACE, which may wait up to
// cfg.BlockTimeout. Over-capacity outcomes for the lossy strategies are
// reflected in GetStats, not returned as errors; BLOCK_UNTIL_SPACE timeout,
// a shutdown in progress, and invalid arguments are the only error returns.
func (s *BatchingService) ReceiveMessage(ctx context.Context, msg InboundMessage) error {
	if msg == nil {
		return inputInvalid("message must not be nil")
	}
	userID := msg.UserID()
	messageID := msg.MessageID()
	if userID == "" {
		return inputInvalid("userId must not be empty")
	}
	if messageID == "" {
		return inputInvalid("messageId must not be empty")
	}

	s.shutdownMu.Lock()
	down := s.shutdown
	s.shutdownMu.Unlock()
	if down {
		return ErrShutdownInProgress
	}

	if s.dedup.Seen(ctx, userID, messageID) {
		s.metrics.RecordDuplicate()
		return nil
	}
	s.metrics.RecordReceived()

	us := s.getOrCreateUser(userID)
	overCapacity := !us.limiter.TryAcquire(1)

	result, err := s.admit(ctx, us, msg, overCapacity)
	if err == nil {
		s.metrics.RecordAdmission(string(result))
	}
	return err
}

func (s *BatchingService) getOrCreateUser(userID string) *userState {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	us, ok := s.users[userID]
	if !ok {
		us = &userState{
			userID:  userID,
			buffer:  NewUserBuffer(),
			limiter: NewTokenBucket(s.clock, s.cfg.RateLimit.BucketCapacity, s.cfg.RateLimit.TokensPerMinute),
		}
		s.users[userID] = us
		s.metrics.SetActiveUsers(len(s.users))
	}
	return us
}

// admit applies the configured BackpressureStrategy. forceOverCapacity is
// set when the user's TokenBucket denied a permit: spec.md §4.1 requires
// that denial be handled exactly like a full buffer, regardless of actual
// occupancy.
func (s *BatchingService) admit(
	ctx context.Context,
	us *userState,
	msg InboundMessage,
	forceOverCapacity bool,
) (AdmitResult, error) {
	b := us.buffer

	b.mu.Lock()
	full := forceOverCapacity || b.size() >= s.cfg.MaxBufferSize
	if !full {
		s.appendAndMaybeArmLocked(us, b, msg)
		b.mu.Unlock()
		return Accepted, nil
	}

	switch s.cfg.BackpressureStrategy {
	case DropNew:
		b.mu.Unlock()
		s.counters.incDropped()
		return DroppedNew, nil

	case DropOldest:
		evicted := b.dropOldestLocked()
		s.appendAndMaybeArmLocked(us, b, msg)
		b.mu.Unlock()
		if evicted {
			s.counters.incDropped()
		}
		return DroppedOldest, nil

	case RejectWithNotification:
		b.mu.Unlock()
		s.counters.incDropped()
		if s.cfg.NotificationHandler != nil {
			s.cfg.NotificationHandler(us.userID, msg)
		}
		return Rejected, nil

	case FlushAndAccept:
		batch, ok := s.startDispatchLocked(us)
		if ok {
			s.appendAndMaybeArmLocked(us, b, msg)
			b.mu.Unlock()
			s.submitDispatch(us, batch)
			return FlushedThenAccepted, nil
		}
		// Nothing to flush: either a dispatch is already in flight for this
		// user, so msg lands in the next-generation slot, or the live queue
		// is empty (a rate-limit denial on an empty buffer). Either slot is bound by
		// MaxBufferSize exactly like the live queue; fall back to
		// drop-oldest there instead of growing it without limit.
		if b.size() >= s.cfg.MaxBufferSize {
			evicted := b.dropOldestLocked()
			s.appendAndMaybeArmLocked(us, b, msg)
			b.mu.Unlock()
			if evicted {
				s.counters.incDropped()
			}
			return DroppedOldest, nil
		}
		s.appendAndMaybeArmLocked(us, b, msg)
		b.mu.Unlock()
		return FlushedThenAccepted, nil

	case BlockUntilSpace:
		b.mu.Unlock()
		return s.admitBlocking(ctx, us, msg)

	default:
		b.mu.Unlock()
		return Rejected, nil
	}
}

// appendAndMaybeArmLocked appends msg and, unless a dispatch is currently
// in flight for this user (in which case msg lands in the next-generation
// slot and needs no deadline of its own yet), arms the scheduler per
// spec.md §4.5. Caller must hold b.mu.
func (s *BatchingService) appendAndMaybeArmLocked(us *userState, b *UserBuffer, msg InboundMessage) {
	now := s.clock.Now()
	inFlight := b.state == stateDispatching || b.state == stateRetryScheduled
	wasEmptyActive := b.size() == 0
	b.appendLocked(msg, now)
	if inFlight {
		return
	}
	b.armTimersLocked(s.clock, s.cfg, wasEmptyActive, func() { s.onTimerFire(us) })
	if b.state == stateIdle {
		b.state = stateArmed
	}
}

// admitBlocking implements BLOCK_UNTIL_SPACE: wait for the buffer to free
// up, bounded by cfg.BlockTimeout, or fail the call on timeout/context
// cancellation. No admitted message is ever dropped under this strategy.
func (s *BatchingService) admitBlocking(ctx context.Context, us *userState, msg InboundMessage) (AdmitResult, error) {
	b := us.buffer

	timedOut := make(chan struct{})
	timer := s.clock.AfterFunc(s.cfg.BlockTimeout, func() { close(timedOut) })
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.size() < s.cfg.MaxBufferSize {
			s.appendAndMaybeArmLocked(us, b, msg)
			b.mu.Unlock()
			return BlockedThenAccepted, nil
		}
		wait := b.waiters
		b.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-timedOut:
			return Rejected, newBlockTimeoutError(us.userID)
		case <-ctx.Done():
			return Rejected, ctx.Err()
		}
	}
}

// startDispatchLocked drains the live queue into a batch and transitions
// the buffer into the dispatching state. It reports (nil, false) if there
// is nothing to dispatch. Caller must hold b.mu; the returned batch must be
// handed to submitDispatch outside the lock.
func (s *BatchingService) startDispatchLocked(us *userState) ([]InboundMessage, bool) {
	b := us.buffer
	if len(b.messages) == 0 {
		return nil, false
	}
	batch, _ := b.snapshotLocked()
	b.cancelTimersLocked()
	b.messages = nil
	b.state = stateDispatching
	b.retryAttempt = 0
	b.notifyWaitersLocked()
	return batch, true
}

// submitDispatch hands batch to the worker pool for asynchronous
// processing, tracked by dispatchWG so Shutdown can wait for it.
func (s *BatchingService) submitDispatch(us *userState, batch []InboundMessage) {
	s.dispatchWG.Add(1)
	s.pool.submit(func() {
		defer s.dispatchWG.Done()
		s.runDispatch(us, batch)
	})
}

// onTimerFire is the scheduler callback (spec.md §4.5): it re-checks buffer
// state under the per-user lock before dispatching, since a
// FLUSH_AND_ACCEPT-triggered dispatch may have already drained the buffer
// by the time this timer fires.
func (s *BatchingService) onTimerFire(us *userState) {
	b := us.buffer
	b.mu.Lock()
	if b.state != stateIdle && b.state != stateArmed {
		b.mu.Unlock()
		return
	}
	batch, ok := s.startDispatchLocked(us)
	b.mu.Unlock()
	if ok {
		s.submitDispatch(us, batch)
	}
}

// runDispatch executes one full dispatch — pre-hooks, retried processor
// invocation, post-hooks, commit-on-success — without the per-user mutex
// held, per spec.md §5. inFlight (via buffer.state) is what guards
// correctness while the lock is released.
func (s *BatchingService) runDispatch(us *userState, batch []InboundMessage) {
	genID := core.MustNewID()
	ctx := logger.ContextWithLogger(
		context.Background(),
		logger.FromContext(context.Background()).With("user_id", us.userID, "generation_id", genID.String()),
	)

	stopTimer := s.metrics.RecordDispatchStart(len(batch))
	defer stopTimer()

	hctxFor := func(attempt int) HookContext {
		if attempt > 0 {
			s.metrics.RecordRetry()
		}
		return HookContext{
			UserID:    us.userID,
			Messages:  batch,
			BatchSize: len(batch),
			Attempt:   attempt,
			IsRetry:   attempt > 0,
			StartedAt: s.clock.Now(),
		}
	}

	err := s.retryExec.Run(ctx, us.userID, batch, hctxFor, s.hooks.runPre, s.hooks.runPost)

	var interrupted *HookInterrupted
	switch {
	case err == nil:
		for _, m := range batch {
			s.dedup.Commit(ctx, us.userID, m.MessageID())
		}
	case errors.As(err, &interrupted):
		// Discarded per spec.md §4.6: no commit, no DLQ (already skipped).
		s.metrics.RecordHookInterruption(interrupted.Code)
	default:
		// RetryExecutor already invoked the DeadLetterHandler.
		s.counters.incDLQ()
		s.metrics.RecordDeadLetter()
	}

	s.finishDispatch(us)
}

// finishDispatch returns a user's buffer to idle (or armed, if messages
// accumulated in the next generation while this dispatch ran), promoting
// the next-generation slot into the live queue as a fresh generation.
func (s *BatchingService) finishDispatch(us *userState) {
	b := us.buffer
	b.mu.Lock()
	now := s.clock.Now()
	b.promoteNextGenLocked(now)
	if len(b.messages) > 0 {
		b.state = stateArmed
		b.armTimersLocked(s.clock, s.cfg, true, func() { s.onTimerFire(us) })
	} else {
		b.state = stateIdle
	}
	b.notifyWaitersLocked()
	b.mu.Unlock()
}

// GetStats returns a point-in-time snapshot. It never blocks producers for
// more than a brief lock acquisition per user.
func (s *BatchingService) GetStats() ServiceStats {
	s.usersMu.Lock()
	users := make([]*userState, 0, len(s.users))
	for _, us := range s.users {
		users = append(users, us)
	}
	s.usersMu.Unlock()

	pending := 0
	inFlight := 0
	for _, us := range users {
		us.buffer.mu.Lock()
		pending += len(us.buffer.messages) + len(us.buffer.nextGen)
		if us.buffer.state == stateDispatching || us.buffer.state == stateRetryScheduled {
			inFlight++
		}
		us.buffer.mu.Unlock()
	}

	dropped, dlq := s.counters.snapshot()
	return ServiceStats{
		ActiveUsers:        len(users),
		PendingMessages:    pending,
		DispatchesInFlight: inFlight,
		DroppedMessages:    dropped,
		DLQInvocations:     dlq,
	}
}

// Shutdown is idempotent: it stops accepting new messages, cancels pending
// timers, waits up to ctx's deadline for in-flight dispatches to finish,
// then drains whatever remains buffered through the DeadLetterHandler.
func (s *BatchingService) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.shutdown = true
	s.shutdownMu.Unlock()

	s.usersMu.Lock()
	users := make([]*userState, 0, len(s.users))
	for _, us := range s.users {
		users = append(users, us)
	}
	s.usersMu.Unlock()

	for _, us := range users {
		us.buffer.mu.Lock()
		us.buffer.cancelTimersLocked()
		us.buffer.mu.Unlock()
	}

	waited := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}

	for _, us := range users {
		us.buffer.mu.Lock()
		remaining := append(append([]InboundMessage(nil), us.buffer.messages...), us.buffer.nextGen...)
		us.buffer.messages = nil
		us.buffer.nextGen = nil
		us.buffer.mu.Unlock()
		if len(remaining) == 0 {
			continue
		}
		s.counters.incDLQ()
		s.retryExec.deadLetter(ctx, us.userID, remaining, ErrShutdownInProgress)
	}

	s.pool.close()
	return nil
}
