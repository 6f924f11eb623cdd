// Package shutdown implements the duty-cycle station's shutdown decision:
// an eight-stage, fully cancellable sequence that waits out the current
// service window, drains outstanding jobs and transfer work, re-checks the
// schedule for a change of heart, negotiates the next wake-up with the TOS
// node, and finally asks the node to cut power before signalling the
// process to exit.
package shutdown

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/jobsobserver"
	"github.com/busoc/coreagent/internal/tos"
)

// BusyChecker reports whether there is still outstanding transfer work.
type BusyChecker interface {
	IsBusy() bool
}

// Stage is one named, ordered teardown step run once the process is
// already on its way out (signal received, or the duty-cycle sequence
// below reached its final step). A stage returning an error does not stop
// the remaining stages from running — teardown is best-effort.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps collects the collaborators the duty-cycle sequence consults at each
// of its eight stages.
type Deps struct {
	Xfer BusyChecker
	Jobs *jobsobserver.Observer
	Link *tos.Link // nil when no TOS address is configured or the initial dial failed

	// ServiceWindowRemaining reports how long is left in the current
	// service window, or 0 if none is active. Stage 1 sleeps this long.
	ServiceWindowRemaining func() time.Duration
	// NextFireDelta reports the time until the soonest scheduled entry,
	// and whether one exists at all. Stage 5 aborts shutdown if that time
	// is within MaxNextScheduleWaitDelta.
	NextFireDelta func() (time.Duration, bool)
	// StopPing halts the TOS watchdog-reset goroutine; called at stage 8
	// just before SHUTDOWN is sent. No-op if nil.
	StopPing func()
	// Interrupt signals the main process to exit cleanly. Defaults to
	// raising os.Interrupt against the current process if nil.
	Interrupt func()

	HardShutdownOffset       time.Duration
	MaxDBResendRuntime       time.Duration
	MaxNextScheduleWaitDelta time.Duration
	// MaxJobDrainWait bounds stage 2's wait for running jobs to finish.
	// Zero means wait indefinitely.
	MaxJobDrainWait time.Duration
	// Uptime reports elapsed agent runtime, used to bound stage 4's
	// resend drain by MaxDBResendRuntime minus time already spent.
	Uptime func() time.Duration
}

// Orchestrator runs the duty-cycle shutdown sequence on demand (Trigger)
// and, independently, a fixed list of resource-teardown stages once the
// process has decided to exit (Teardown).
type Orchestrator struct {
	deps Deps
	log  *zap.SugaredLogger

	stopped int32 // atomic bool, latched by Stop
	stopCh  chan struct{}

	teardown []Stage
}

// New builds an Orchestrator around deps.
func New(deps Deps, log *zap.SugaredLogger) *Orchestrator {
	if deps.Interrupt == nil {
		deps.Interrupt = func() {
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				p.Signal(os.Interrupt)
			}
		}
	}
	o := &Orchestrator{deps: deps, log: log, stopCh: make(chan struct{})}
	return o
}

// AddTeardownStage appends a named resource-release step to the sequence
// run by Teardown.
func (o *Orchestrator) AddTeardownStage(name string, run func(ctx context.Context) error) {
	o.teardown = append(o.teardown, Stage{Name: name, Run: run})
}

// Teardown runs every registered teardown stage in order, logging but not
// aborting on a stage error, and returns the first error encountered (if
// any) once every stage has had a chance to run.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	var first error
	for _, s := range o.teardown {
		o.log.Infow("shutdown: running teardown stage", "stage", s.Name)
		if err := s.Run(ctx); err != nil {
			o.log.Warnw("shutdown: teardown stage failed", "stage", s.Name, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		o.log.Infow("shutdown: teardown stage complete", "stage", s.Name)
	}
	return first
}

// Stop cancels any Trigger currently in flight; every wait the sequence
// performs re-checks this flag on return and bails out promptly.
func (o *Orchestrator) Stop() {
	if atomic.CompareAndSwapInt32(&o.stopped, 0, 1) {
		close(o.stopCh)
	}
}

func (o *Orchestrator) cancelled() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// Trigger runs the eight-stage shutdown sequence documented in the package
// comment. It returns true only if every stage completed and the process
// interrupt was raised at stage 8; any abort (re-asserted BEACON, a
// schedule entry now due sooner than MaxNextScheduleWaitDelta, or a
// concurrent Stop) returns false and leaves the process running.
func (o *Orchestrator) Trigger(ctx context.Context) bool {
	// Stage 1: sleep out any active service window.
	if o.deps.ServiceWindowRemaining != nil {
		if wait := o.deps.ServiceWindowRemaining(); wait > 0 {
			o.log.Infow("shutdown: sleeping out the current service window", "wait", wait)
			if !o.sleep(ctx, wait) {
				return false
			}
		}
	}

	// Stage 2: drain running jobs, bounded by MaxJobDrainWait.
	o.waitForJobsDrain(ctx)

	// Stage 3: drain the transfer engine's busy signal.
	o.waitForXferDrain(ctx)

	// Stage 4: bound any remaining resend activity by the DB resend budget.
	if o.deps.Uptime != nil {
		remaining := o.deps.MaxDBResendRuntime - o.deps.Uptime()
		if remaining > 0 {
			o.waitForXferDrainBounded(ctx, remaining)
		}
	}

	if o.cancelled() {
		return false
	}

	// Stage 5: re-check the schedule; a job now due too soon aborts
	// shutdown outright.
	if o.deps.NextFireDelta != nil {
		if until, ok := o.deps.NextFireDelta(); ok && until <= o.deps.MaxNextScheduleWaitDelta {
			o.log.Infow("shutdown: aborting, a schedule entry is now due too soon", "until", until)
			return false
		}
	}

	if o.deps.Link == nil {
		o.log.Infow("shutdown: no TOS link, skipping node negotiation and process exit")
		return false
	}

	// Stage 6: tell the node when to expect the next service window.
	serviceArg := tos.DisableServiceWindow
	if o.deps.ServiceWindowRemaining != nil {
		if wait := o.deps.ServiceWindowRemaining(); wait > 0 {
			serviceArg = uint32(wait / time.Second)
		}
	}
	if ok, err := o.deps.Link.Send(tos.ServiceWindow, serviceArg); err != nil {
		o.log.Warnw("shutdown: SERVICE_WINDOW command failed", "error", err)
		return false
	} else if !ok {
		o.log.Warnw("shutdown: SERVICE_WINDOW not acked, aborting shutdown")
		return false
	}

	if o.cancelled() {
		return false
	}

	// Stage 7: re-query wake-up state; a re-asserted BEACON aborts.
	if ok, err := o.deps.Link.Send(tos.WakeupQuery, 0); err != nil {
		o.log.Warnw("shutdown: WAKEUP_QUERY command failed", "error", err)
		return false
	} else if !ok {
		o.log.Warnw("shutdown: WAKEUP_QUERY not acked, aborting shutdown")
		return false
	}
	if o.deps.Link.IsBeacon() {
		o.log.Infow("shutdown: aborting, node re-asserted BEACON")
		return false
	}

	if o.cancelled() {
		return false
	}

	// Stage 8: stop the ping thread, send SHUTDOWN, signal our own exit.
	if o.deps.StopPing != nil {
		o.deps.StopPing()
	}
	shutdownArg := uint32(o.deps.HardShutdownOffset / time.Second)
	if ok, err := o.deps.Link.Send(tos.Shutdown, shutdownArg); err != nil {
		o.log.Warnw("shutdown: SHUTDOWN command failed", "error", err)
		return false
	} else if !ok {
		o.log.Warnw("shutdown: SHUTDOWN not acked, proceeding with process exit regardless")
	}
	o.log.Infow("shutdown: sequence complete, signalling process exit")
	o.deps.Interrupt()
	return true
}

// sleep waits for d, a cancellation, or ctx, returning false if either
// fired before d elapsed.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-o.stopCh:
		return false
	}
}

const drainPollInterval = 250 * time.Millisecond

// waitForJobsDrain blocks until every observed job finishes, bounded by
// MaxJobDrainWait (best-effort: if it elapses with jobs still live, this
// logs and moves on rather than blocking forever).
func (o *Orchestrator) waitForJobsDrain(ctx context.Context) {
	if o.deps.Jobs == nil || o.deps.Jobs.AllJobsFinished() {
		return
	}
	var deadline time.Time
	if o.deps.MaxJobDrainWait > 0 {
		deadline = time.Now().Add(o.deps.MaxJobDrainWait)
	}
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if o.deps.Jobs.AllJobsFinished() {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.log.Warnw("shutdown: job drain bound elapsed with jobs still live")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// waitForXferDrain blocks until the transfer engine reports idle.
func (o *Orchestrator) waitForXferDrain(ctx context.Context) {
	o.waitForXferDrainBounded(ctx, 0)
}

// waitForXferDrainBounded blocks until the transfer engine reports idle or,
// when bound is positive, until bound elapses.
func (o *Orchestrator) waitForXferDrainBounded(ctx context.Context, bound time.Duration) {
	if o.deps.Xfer == nil || !o.deps.Xfer.IsBusy() {
		return
	}
	var deadline time.Time
	if bound > 0 {
		deadline = time.Now().Add(bound)
	}
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if !o.deps.Xfer.IsBusy() {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.log.Warnw("shutdown: drain bound elapsed with transfer work still outstanding")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		}
	}
}
