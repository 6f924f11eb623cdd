package tos

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/agenterr"
)

// Transport is the minimal duplex stream TOSLink needs from the out-of-scope
// tospeer collaborator — typically a net.Conn or a serial port.
type Transport interface {
	io.Reader
	io.Writer
}

// Link is the single owner of the TOS transport: every outgoing command
// goes through Send, which serializes callers under cmdLock, and a single
// background goroutine dispatches every incoming frame.
type Link struct {
	transport Transport
	log       *zap.SugaredLogger

	cmdTimeout time.Duration
	maxRetries int

	cmdLock sync.Mutex // owns the transport for the duration of one Send

	mu            sync.Mutex
	outstanding   *Command
	lastAcked     Command
	wakeupFlags   WakeupFlag
	beacon        bool
	ackCh         chan Frame // delivered by recv loop, consumed by Send
	statusCh      chan Frame // spontaneous status updates (non-ack frames)
	beaconClearCh chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	pingStop     chan struct{}
	pingStopOnce sync.Once
}

// New wraps transport with TOSLink's framing, retry, and single-reader
// dispatch. Callers must call Run in its own goroutine before using Send.
func New(transport Transport, cmdTimeout time.Duration, maxRetries int, log *zap.SugaredLogger) *Link {
	return &Link{
		transport:     transport,
		log:           log,
		cmdTimeout:    cmdTimeout,
		maxRetries:    maxRetries,
		lastAcked:     Command(0xFF), // no command acked yet; must not alias WakeupQuery (0)
		ackCh:         make(chan Frame, 1),
		statusCh:      make(chan Frame, 16),
		beaconClearCh: make(chan struct{}, 1),
		stop:          make(chan struct{}),
		pingStop:      make(chan struct{}),
	}
}

// Stop latches the stop flag; every waiting Send call returns promptly, and
// the recv loop returns once its current frame read completes.
func (l *Link) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Status returns a channel of spontaneous (non-ack) status frames, such as
// unsolicited wake-up reports.
func (l *Link) Status() <-chan Frame { return l.statusCh }

// BeaconCleared fires whenever the node transitions out of BEACON mode,
// used by the main loop to wake up and re-evaluate shutdown eligibility.
func (l *Link) BeaconCleared() <-chan struct{} { return l.beaconClearCh }

// IsBeacon reports whether the node currently asserts BEACON, which
// inhibits shutdown.
func (l *Link) IsBeacon() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.beacon
}

// Run is the receive dispatch loop: it decodes frames and routes acks to
// Send, tracks BEACON transitions, and forwards everything else to Status.
// Run returns when the transport errors or Stop is called.
func (l *Link) Run() error {
	for {
		f, err := readFrame(l.transport)
		if err != nil {
			return agenterr.Wrap(agenterr.Transport, agenterr.TransportCode, err, "tos: read frame")
		}
		select {
		case <-l.stop:
			return nil
		default:
		}
		l.dispatch(f)
	}
}

func (l *Link) dispatch(f Frame) {
	l.mu.Lock()
	outstanding := l.outstanding
	lastAcked := l.lastAcked
	l.mu.Unlock()

	// A WAKEUP_QUERY frame carries the node's wake-up flags whether it is
	// the ack to our own query or a spontaneous report.
	if f.Command == WakeupQuery {
		l.updateWakeupState(WakeupFlag(f.Argument))
	}

	switch {
	case outstanding != nil && f.Command == *outstanding:
		select {
		case l.ackCh <- f:
		default:
		}
	case f.Command == lastAcked:
		l.log.Debugw("tos: duplicate ack for previous command, dropping", "command", f.Command)
	default:
		select {
		case l.statusCh <- f:
		default:
			l.log.Warnw("tos: status channel full, dropping spontaneous update", "command", f.Command)
		}
	}
}

func (l *Link) updateWakeupState(flags WakeupFlag) {
	l.mu.Lock()
	wasBeacon := l.beacon
	l.wakeupFlags = flags
	l.beacon = flags.Has(FlagBeacon)
	nowBeacon := l.beacon
	l.mu.Unlock()

	if wasBeacon && !nowBeacon {
		select {
		case l.beaconClearCh <- struct{}{}:
		default:
		}
	}
}

// Send serializes cmd/argument onto the wire and waits up to cmdTimeout for
// a matching ack, retrying up to maxRetries total attempts. It returns
// false, nil on exhausting retries without an ack (a TransportError is
// logged by the caller, not returned as fatal, per the error handling
// design) and also when Stop is observed; an error is returned only when
// writing the frame to the transport fails.
func (l *Link) Send(cmd Command, argument uint32) (bool, error) {
	l.cmdLock.Lock()
	defer l.cmdLock.Unlock()

	l.mu.Lock()
	l.outstanding = &cmd
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.outstanding = nil
		l.lastAcked = cmd
		l.mu.Unlock()
	}()

	// Drain any stale ack left over from a previous, already-timed-out
	// attempt so it cannot be mistaken for this attempt's ack.
	select {
	case <-l.ackCh:
	default:
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if err := writeFrame(l.transport, Frame{Command: cmd, Argument: argument}); err != nil {
			return false, agenterr.Wrap(agenterr.Transport, agenterr.TransportCode, err, "tos: write frame")
		}
		select {
		case ack := <-l.ackCh:
			return ack.Command == cmd, nil
		case <-time.After(l.cmdTimeout):
			l.log.Warnw("tos: command timed out, retrying", "command", cmd, "attempt", attempt+1)
			continue
		case <-l.stop:
			return false, nil
		}
	}
	return false, nil
}
