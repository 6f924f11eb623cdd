package shutdown

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busoc/coreagent/internal/logging"
	"github.com/busoc/coreagent/internal/tos"
)

type fakeBusy struct{ busy int32 }

func (f *fakeBusy) IsBusy() bool { return atomic.LoadInt32(&f.busy) != 0 }
func (f *fakeBusy) set(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&f.busy, n)
}

// writeNodeFrame/readNodeFrame replicate tos's unexported wire framing
// (command byte + u32-LE argument) from outside the package, so the fake
// node below can speak the same protocol as the real one.
func writeNodeFrame(conn net.Conn, cmd tos.Command, argument uint32) error {
	var buf [5]byte
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint32(buf[1:], argument)
	_, err := conn.Write(buf[:])
	return err
}

func readNodeFrame(conn net.Conn) (tos.Command, uint32, error) {
	var buf [5]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, 0, err
	}
	return tos.Command(buf[0]), binary.LittleEndian.Uint32(buf[1:]), nil
}

// fakeNode acks every frame it receives with the same command/argument,
// except that beaconOnWakeupQuery, if true, makes it report FlagBeacon set
// on every WAKEUP_QUERY instead of a plain ack.
func fakeNode(t *testing.T, conn net.Conn, beaconOnWakeupQuery *int32) {
	t.Helper()
	go func() {
		for {
			cmd, arg, err := readNodeFrame(conn)
			if err != nil {
				return
			}
			if cmd == tos.WakeupQuery && beaconOnWakeupQuery != nil && atomic.LoadInt32(beaconOnWakeupQuery) != 0 {
				writeNodeFrame(conn, tos.WakeupQuery, uint32(tos.FlagBeacon))
				continue
			}
			writeNodeFrame(conn, cmd, arg)
		}
	}()
}

func newTestLink(t *testing.T) (*tos.Link, net.Conn, func()) {
	t.Helper()
	agentConn, nodeConn := net.Pipe()
	link := tos.New(agentConn, 200*time.Millisecond, 3, logging.Nop())
	go link.Run()
	return link, nodeConn, func() {
		link.Stop()
		agentConn.Close()
		nodeConn.Close()
	}
}

func TestTeardownRunsStagesInOrder(t *testing.T) {
	o := New(Deps{}, logging.Nop())
	var order []string
	o.AddTeardownStage("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	o.AddTeardownStage("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})
	if err := o.Teardown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected stage order: %v", order)
	}
}

func TestTeardownContinuesAfterStageError(t *testing.T) {
	o := New(Deps{}, logging.Nop())
	ran := false
	o.AddTeardownStage("fails", func(ctx context.Context) error { return context.DeadlineExceeded })
	o.AddTeardownStage("still-runs", func(ctx context.Context) error { ran = true; return nil })

	err := o.Teardown(context.Background())
	if err == nil {
		t.Fatalf("expected the first stage error to propagate")
	}
	if !ran {
		t.Fatalf("expected later stages to run despite an earlier failure")
	}
}

func TestTriggerAbortsWhenNextFireIsTooSoon(t *testing.T) {
	o := New(Deps{
		NextFireDelta: func() (time.Duration, bool) {
			return 30 * time.Second, true
		},
		MaxNextScheduleWaitDelta: time.Minute,
	}, logging.Nop())

	if o.Trigger(context.Background()) {
		t.Fatalf("expected shutdown to abort when a job is due within MaxNextScheduleWaitDelta")
	}
}

func TestTriggerCompletesSequenceAndSignalsExit(t *testing.T) {
	link, nodeConn, cleanup := newTestLink(t)
	defer cleanup()
	fakeNode(t, nodeConn, nil)

	var interrupted int32
	var pingStopped int32
	o := New(Deps{
		Link: link,
		NextFireDelta: func() (time.Duration, bool) {
			return time.Hour, true
		},
		MaxNextScheduleWaitDelta: time.Minute,
		HardShutdownOffset:       30 * time.Second,
		StopPing:                 func() { atomic.StoreInt32(&pingStopped, 1) },
		Interrupt:                func() { atomic.StoreInt32(&interrupted, 1) },
	}, logging.Nop())

	if !o.Trigger(context.Background()) {
		t.Fatalf("expected the shutdown sequence to complete")
	}
	if atomic.LoadInt32(&pingStopped) == 0 {
		t.Fatalf("expected the ping thread to be stopped before SHUTDOWN")
	}
	if atomic.LoadInt32(&interrupted) == 0 {
		t.Fatalf("expected the process interrupt to be signalled")
	}
}

// TestTriggerAbortsOnReassertedBeacon exercises scenario S5: the node
// re-asserts BEACON when queried at stage 7, which must abort shutdown
// before SHUTDOWN is ever sent.
func TestTriggerAbortsOnReassertedBeacon(t *testing.T) {
	link, nodeConn, cleanup := newTestLink(t)
	defer cleanup()
	var beacon int32 = 1
	fakeNode(t, nodeConn, &beacon)

	var shutdownSent int32
	go func() {
		for {
			cmd, _, err := readNodeFrame(nodeConn)
			if err != nil {
				return
			}
			if cmd == tos.Shutdown {
				atomic.StoreInt32(&shutdownSent, 1)
			}
		}
	}()

	o := New(Deps{
		Link: link,
		NextFireDelta: func() (time.Duration, bool) {
			return time.Hour, true
		},
		MaxNextScheduleWaitDelta: time.Minute,
	}, logging.Nop())

	if o.Trigger(context.Background()) {
		t.Fatalf("expected shutdown to abort when BEACON is re-asserted")
	}
	if atomic.LoadInt32(&shutdownSent) != 0 {
		t.Fatalf("expected SHUTDOWN never to be sent after BEACON was re-asserted")
	}
}

func TestTriggerCancellableViaStop(t *testing.T) {
	o := New(Deps{
		ServiceWindowRemaining: func() time.Duration { return time.Hour },
	}, logging.Nop())

	done := make(chan bool, 1)
	go func() { done <- o.Trigger(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	o.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Trigger to abort once stopped")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Trigger to return promptly after Stop")
	}
}

func TestWaitForXferDrainBoundedTimesOut(t *testing.T) {
	busy := &fakeBusy{}
	busy.set(true)
	o := New(Deps{Xfer: busy}, logging.Nop())

	start := time.Now()
	o.waitForXferDrainBounded(context.Background(), 60*time.Millisecond)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected the drain bound to cap the wait")
	}
}
