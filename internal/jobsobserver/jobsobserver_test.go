package jobsobserver

import (
	"os/exec"
	"testing"
	"time"

	"github.com/busoc/coreagent/internal/logging"
)

// fakeKillableCmd returns a long-sleeping *exec.Cmd plus a channel that
// closes once the process is reaped, so a test can assert it was killed
// rather than left to run to completion.
func fakeKillableCmd(killed chan struct{}) *exec.Cmd {
	cmd := exec.Command("sleep", "5")
	cmd.Start()
	go func() {
		cmd.Wait()
		close(killed)
	}()
	return cmd
}

func TestObserveJobTracksRunningState(t *testing.T) {
	o := New(0, logging.Nop())
	if !o.AllJobsFinished() {
		t.Fatalf("expected no jobs running initially")
	}
	done := o.ObserveJob("job-a", nil, 0)
	if o.AllJobsFinished() {
		t.Fatalf("expected a job to be running")
	}
	done()
	if !o.AllJobsFinished() {
		t.Fatalf("expected all jobs finished after completion callback")
	}
}

func TestObserveJobTracksMultipleConcurrently(t *testing.T) {
	o := New(0, logging.Nop())
	doneA := o.ObserveJob("a", nil, 0)
	doneB := o.ObserveJob("b", nil, 0)
	if len(o.Running()) != 2 {
		t.Fatalf("expected 2 running jobs, got %v", o.Running())
	}
	doneA()
	if len(o.Running()) != 1 {
		t.Fatalf("expected 1 running job, got %v", o.Running())
	}
	doneB()
	if !o.AllJobsFinished() {
		t.Fatalf("expected all jobs finished")
	}
}

func TestObserverWithoutCmdDoesNotPanicOnTimeout(t *testing.T) {
	o := New(10*time.Millisecond, logging.Nop())
	done := o.ObserveJob("no-cmd", nil, 0)
	time.Sleep(30 * time.Millisecond)
	done()
}

func TestObserveJobEntryCeilingOverridesShorterThanOverall(t *testing.T) {
	// A per-entry ceiling tighter than the observer's overall ceiling must
	// still be the one enforced.
	o := New(time.Hour, logging.Nop())
	killed := make(chan struct{})
	cmd := fakeKillableCmd(killed)
	done := o.ObserveJob("tight", cmd, 15*time.Millisecond)
	defer done()

	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatalf("expected the per-entry ceiling to kill the job before the overall one")
	}
}
