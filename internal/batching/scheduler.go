package batching

// armTimersLocked (re)arms a user's adaptive and silence deadlines after an
// admission, per spec.md §4.5:
//   - silence is always rearmed forward from the latest arrival.
//   - adaptive is armed once, when the buffer transitions from empty to
//     non-empty, and never rearmed for the remainder of that generation.
//
// fire is invoked (on the clock's timer goroutine) when either deadline
// elapses; it re-checks buffer state itself, since a flush-triggered
// dispatch may have already drained the buffer by the time the timer fires.
func (b *UserBuffer) armTimersLocked(clock Clock, cfg *BatchingConfig, wasEmpty bool, fire func()) {
	if wasEmpty {
		if b.adaptiveTimer != nil {
			b.adaptiveTimer.Stop()
		}
		b.adaptiveTimer = clock.AfterFunc(cfg.AdaptiveTimeout, fire)
		b.adaptiveArmed = true
	}
	if b.silenceTimer != nil {
		b.silenceTimer.Stop()
	}
	b.silenceTimer = clock.AfterFunc(cfg.SilenceThreshold, fire)
	b.silenceArmed = true
}

// cancelTimersLocked stops both deadlines, e.g. once a dispatch has started
// draining the buffer or the user is being torn down.
func (b *UserBuffer) cancelTimersLocked() {
	if b.adaptiveTimer != nil {
		b.adaptiveTimer.Stop()
		b.adaptiveTimer = nil
	}
	if b.silenceTimer != nil {
		b.silenceTimer.Stop()
		b.silenceTimer = nil
	}
	b.adaptiveArmed = false
	b.silenceArmed = false
}
