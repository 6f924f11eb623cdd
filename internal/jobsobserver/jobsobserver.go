// Package jobsobserver tracks in-flight SCRIPT/PLUGIN job executions so the
// shutdown orchestrator can wait for them to finish, and enforces a hard
// runtime ceiling on jobs that refuse to exit on their own.
package jobsobserver

import (
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job identifies one running execution, for logging and the enforcement
// timer.
type Job struct {
	Name      string
	StartedAt time.Time
	cmd       *exec.Cmd
}

// Observer tracks currently running jobs and, when given a maxRuntime,
// kills any job with an attached command that exceeds it.
type Observer struct {
	mu         sync.Mutex
	running    map[*Job]struct{}
	maxRuntime time.Duration
	log        *zap.SugaredLogger
}

// New builds an Observer. A zero maxRuntime disables the enforcement
// timer.
func New(maxRuntime time.Duration, log *zap.SugaredLogger) *Observer {
	return &Observer{running: make(map[*Job]struct{}), maxRuntime: maxRuntime, log: log}
}

// ObserveJob registers name as running, optionally attaching cmd so an
// enforcement timeout can kill the underlying process (only that process:
// children it spawned are not signalled), and returns a
// function the caller must call exactly once when the job finishes.
// entryMaxRuntime is the per-entry max_runtime_minutes bound, if any; the
// shorter of it and the observer's overall ceiling applies.
func (o *Observer) ObserveJob(name string, cmd *exec.Cmd, entryMaxRuntime time.Duration) func() {
	j := &Job{Name: name, StartedAt: time.Now(), cmd: cmd}
	o.mu.Lock()
	o.running[j] = struct{}{}
	o.mu.Unlock()

	limit := o.maxRuntime
	if entryMaxRuntime > 0 && (limit == 0 || entryMaxRuntime < limit) {
		limit = entryMaxRuntime
	}

	var timer *time.Timer
	if limit > 0 && cmd != nil {
		timer = time.AfterFunc(limit, func() {
			o.log.Warnw("jobsobserver: killing job that exceeded its runtime ceiling", "job", name, "limit", limit)
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		})
	}

	return func() {
		if timer != nil {
			timer.Stop()
		}
		o.mu.Lock()
		delete(o.running, j)
		o.mu.Unlock()
	}
}

// AllJobsFinished reports whether every observed job has called its
// completion function.
func (o *Observer) AllJobsFinished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running) == 0
}

// Running returns a snapshot of currently running job names, for
// diagnostics.
func (o *Observer) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.running))
	for j := range o.running {
		names = append(names, j.Name)
	}
	return names
}
