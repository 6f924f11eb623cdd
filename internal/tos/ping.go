package tos

import "time"

// Ping runs the background watchdog-reset loop: every interval it sends
// RESET_WATCHDOG with the given timeout, until stopped. It is started in
// its own goroutine by cmd/coreagent at startup and stopped by the
// shutdown orchestrator (via StopPing) just before sending SHUTDOWN,
// independently of the link itself being torn down.
func (l *Link) Ping(interval, watchdogTimeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if ok, err := l.Send(ResetWatchdog, uint32(watchdogTimeout/time.Second)); err != nil {
				l.log.Errorw("tos: ping failed", "error", err)
			} else if !ok {
				l.log.Warnw("tos: watchdog reset not acked")
			}
		case <-l.pingStop:
			return
		case <-l.stop:
			return
		}
	}
}

// StopPing halts the Ping loop without affecting the rest of the link.
// Safe to call more than once or when Ping was never started.
func (l *Link) StopPing() {
	l.pingStopOnce.Do(func() { close(l.pingStop) })
}
