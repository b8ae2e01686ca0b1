package batching

import (
	"sync"
	"time"
)

// AdmitResult is the outcome of admitting a message into a UserBuffer,
// matching the enum in spec.md §4.2.
type AdmitResult string

const (
	Accepted            AdmitResult = "ACCEPTED"
	DroppedNew          AdmitResult = "DROPPED_NEW"
	DroppedOldest       AdmitResult = "DROPPED_OLDEST"
	Rejected            AdmitResult = "REJECTED"
	FlushedThenAccepted AdmitResult = "FLUSHED_THEN_ACCEPTED"
	BlockedThenAccepted AdmitResult = "BLOCKED_THEN_ACCEPTED"
)

// dispatchState is UserBuffer.state, the per-user dispatch state machine
// that stands in for the inFlight flag of spec.md §4.2.
type dispatchState int

const (
	stateIdle dispatchState = iota
	stateArmed
	stateDispatching
	stateRetryScheduled
	stateDLQ
)

// UserBuffer holds one user's ordered message queue plus the dispatch state
// machine guarding it. Every field is protected by mu; callers outside this
// package never see a UserBuffer directly — BatchingService owns the table
// of them.
type UserBuffer struct {
	mu sync.Mutex

	messages []InboundMessage

	firstArrival time.Time
	lastArrival  time.Time

	adaptiveTimer Timer
	silenceTimer  Timer
	adaptiveArmed bool
	silenceArmed  bool

	state       dispatchState
	retryAttempt int

	// nextGen holds messages that arrived while a dispatch was in flight;
	// it becomes the live queue once the current generation resolves.
	nextGen []InboundMessage

	// waiters is signaled (closed and replaced) every time the buffer
	// drains space, so BLOCK_UNTIL_SPACE admissions can wake up.
	waiters chan struct{}
}

// NewUserBuffer returns an empty buffer ready to accept messages.
func NewUserBuffer() *UserBuffer {
	return &UserBuffer{waiters: make(chan struct{})}
}

// activeQueue returns whichever slice is currently accepting admissions:
// the live queue normally, or the next-generation slot while a dispatch for
// the current generation is in flight.
func (b *UserBuffer) activeQueue() []InboundMessage {
	if b.state == stateDispatching || b.state == stateRetryScheduled {
		return b.nextGen
	}
	return b.messages
}

func (b *UserBuffer) setActiveQueue(q []InboundMessage) {
	if b.state == stateDispatching || b.state == stateRetryScheduled {
		b.nextGen = q
		return
	}
	b.messages = q
}

// size returns the length of the slice currently accepting admissions.
func (b *UserBuffer) size() int {
	return len(b.activeQueue())
}

// appendLocked appends msg to the active queue and stamps arrival times.
// Caller must hold mu.
func (b *UserBuffer) appendLocked(msg InboundMessage, now time.Time) {
	q := b.activeQueue()
	wasEmpty := len(q) == 0
	q = append(q, msg)
	b.setActiveQueue(q)
	if wasEmpty {
		b.firstArrival = now
	}
	b.lastArrival = now
}

// dropOldestLocked evicts the head of the active queue, reporting whether
// anything was actually evicted. Caller must hold mu.
func (b *UserBuffer) dropOldestLocked() bool {
	q := b.activeQueue()
	if len(q) == 0 {
		return false
	}
	q = append([]InboundMessage(nil), q[1:]...)
	b.setActiveQueue(q)
	return true
}

// snapshotLocked returns a copy of the live (generation-current) queue and
// its first-arrival time. Caller must hold mu.
func (b *UserBuffer) snapshotLocked() ([]InboundMessage, time.Time) {
	out := make([]InboundMessage, len(b.messages))
	copy(out, b.messages)
	return out, b.firstArrival
}

// promoteNextGenLocked moves the next-generation queue into the live queue
// once a dispatch has fully resolved (success or DLQ), starting a fresh
// generation. Caller must hold mu.
func (b *UserBuffer) promoteNextGenLocked(now time.Time) {
	if len(b.nextGen) > 0 {
		b.messages = append(b.messages, b.nextGen...)
		b.nextGen = nil
		b.firstArrival = now
	}
}

// notifyWaitersLocked wakes any BLOCK_UNTIL_SPACE waiters after the buffer
// frees up room. Caller must hold mu.
func (b *UserBuffer) notifyWaitersLocked() {
	close(b.waiters)
	b.waiters = make(chan struct{})
}
