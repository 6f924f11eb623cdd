package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/gsn"
	"github.com/busoc/coreagent/internal/handler"
)

// runScheduleChannel drains conn's schedule channel for the lifetime of the
// connection, installing any SCHEDULE GSN pushes (whether solicited by
// requestSchedule below or sent unprompted) and logging the two negative
// GET_SCHEDULE responses. acquired is closed the first time a terminal
// response of any kind is seen, letting requestSchedule stop polling.
func runScheduleChannel(ctx context.Context, conn *gsn.Conn, h *handler.Handler, log *zap.SugaredLogger, acquired chan<- struct{}) {
	var once sync.Once
	signalAcquired := func() { once.Do(func() { close(acquired) }) }

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.Schedule():
			if !ok {
				return
			}
			sm, err := gsn.DecodeScheduleMessage(msg.Payload)
			if err != nil {
				log.Warnw("gsn: malformed schedule-channel message, dropping", "error", err)
				continue
			}
			switch sm.Type {
			case gsn.NoScheduleAvailable:
				log.Infow("gsn: GSN reports no schedule available for this station")
				signalAcquired()
			case gsn.NoNewSchedule:
				log.Infow("gsn: GSN reports our schedule is already current")
				signalAcquired()
			case gsn.ScheduleAvailable:
				log.Infow("gsn: received schedule", "origin", sm.Origin, "creation_time_ms", sm.CreationTimeMS)
				if errs, err := h.SetSchedule(sm.Origin, sm.Text, false); err != nil {
					log.Warnw("gsn: failed to install schedule received from GSN", "error", err)
				} else if len(errs) > 0 {
					log.Warnw("gsn: schedule received from GSN parsed with errors", "errors", errs)
				}
				signalAcquired()
			case gsn.GetSchedule:
				log.Warnw("gsn: unexpected GET_SCHEDULE received from GSN, ignoring")
			}
		}
	}
}

// requestSchedule issues GET_SCHEDULE every pollEvery, carrying the
// creation time of whatever schedule the agent currently holds (zero if
// none), until runScheduleChannel reports a terminal response via acquired
// or maxWait elapses without one.
func requestSchedule(ctx context.Context, conn *gsn.Conn, h *handler.Handler, pollEvery, maxWait time.Duration, acquired <-chan struct{}, log *zap.SugaredLogger) {
	send := func() {
		var creation int64
		if sched := h.Schedule(); sched != nil {
			creation = sched.CreationTimeMS
		}
		if err := conn.WriteSchedule(gsn.EncodeGetSchedule(creation)); err != nil {
			log.Warnw("gsn: failed to send GET_SCHEDULE", "error", err)
		}
	}
	send()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-acquired:
			return
		case <-deadline.C:
			log.Warnw("gsn: gave up waiting for a schedule from GSN", "waited", maxWait)
			return
		case <-ticker.C:
			send()
		}
	}
}
