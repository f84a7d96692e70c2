package broker

import "time"

// Scheduler arms one-shot expiry timers. The returned cancel function is
// idempotent and reports whether it prevented the callback from running.
//
// Cancellation alone is not a sufficient defense against a callback that has
// already fired and is blocked on the registry mutex; expiry callbacks must
// re-validate session state before acting.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func() bool)
}

// realScheduler schedules on the runtime timer heap.
type realScheduler struct{}

func (realScheduler) Schedule(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
