package xfer

import (
	"sync/atomic"
	"time"
)

// busyState is the shared "is there work outstanding" signal consumed by
// the shutdown orchestrator. It replaces the original global mutable busy
// flag with explicit publication points: queue changes set queueNonEmpty,
// transfer start and end set transferring, and the grace deadline fixed at
// construction is compared against the clock on every IsBusy call.
type busyState struct {
	queueNonEmpty int32 // atomic bool
	transferring  int32 // atomic bool
	graceUntil    atomic.Value // time.Time
}

func newBusyState(graceFor time.Duration) *busyState {
	b := &busyState{}
	if graceFor > 0 {
		b.graceUntil.Store(time.Now().Add(graceFor))
	} else {
		b.graceUntil.Store(time.Time{})
	}
	return b
}

func (b *busyState) setQueueNonEmpty(v bool) {
	atomic.StoreInt32(&b.queueNonEmpty, boolToInt32(v))
}

func (b *busyState) setTransferring(v bool) {
	atomic.StoreInt32(&b.transferring, boolToInt32(v))
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// IsBusy reports (queue non-empty) OR (transfer active) OR (the grace
// timer has not yet elapsed).
func (b *busyState) IsBusy() bool {
	if atomic.LoadInt32(&b.queueNonEmpty) != 0 {
		return true
	}
	if atomic.LoadInt32(&b.transferring) != 0 {
		return true
	}
	until, _ := b.graceUntil.Load().(time.Time)
	return !until.IsZero() && time.Now().Before(until)
}
