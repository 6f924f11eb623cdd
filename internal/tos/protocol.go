// Package tos implements TOSLink: the single-owner, request/ack-framed
// command channel to the low-power micro-controller that gates power to
// the main CPU and enforces the duty cycle.
package tos

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies a TOS command frame; argument interpretation depends
// on the command, documented alongside each constant.
type Command uint8

const (
	// WakeupQuery asks the node to report its wake-up flag bitset.
	// Argument is ignored (0).
	WakeupQuery Command = iota
	// ServiceWindow tells the node how many seconds until the next
	// service window, or DisableServiceWindow to disable wake-ups.
	ServiceWindow
	// NextWakeup tells the node the number of seconds until the next
	// scheduled wake-up.
	NextWakeup
	// Shutdown tells the node to cut power after the given number of
	// seconds.
	Shutdown
	// ResetWatchdog resets the node's watchdog timer with the given
	// timeout in seconds.
	ResetWatchdog
	// NetStatus reports network connectivity. Argument is ignored (0).
	NetStatus
)

func (c Command) String() string {
	switch c {
	case WakeupQuery:
		return "WAKEUP_QUERY"
	case ServiceWindow:
		return "SERVICE_WINDOW"
	case NextWakeup:
		return "NEXT_WAKEUP"
	case Shutdown:
		return "SHUTDOWN"
	case ResetWatchdog:
		return "RESET_WATCHDOG"
	case NetStatus:
		return "NET_STATUS"
	default:
		return fmt.Sprintf("COMMAND(%d)", uint8(c))
	}
}

// DisableServiceWindow is the sentinel argument to ServiceWindow that
// disables node wake-ups for service windows entirely.
const DisableServiceWindow uint32 = 0xFFFFFFFF

// WakeupFlag is a bit in the node_wakeup_flags bitset reported by
// WakeupQuery responses.
type WakeupFlag uint32

const (
	FlagScheduled WakeupFlag = 1 << iota
	FlagService
	FlagBeacon
	FlagNodeReboot
)

func (f WakeupFlag) Has(bit WakeupFlag) bool { return f&bit != 0 }

// frameSize is the wire size of a command/ack frame: one command byte
// followed by a little-endian u32 argument.
const frameSize = 5

// Frame is one {command, argument} pair as exchanged over the wire.
type Frame struct {
	Command  Command
	Argument uint32
}

func writeFrame(w io.Writer, f Frame) error {
	var buf [frameSize]byte
	buf[0] = byte(f.Command)
	binary.LittleEndian.PutUint32(buf[1:], f.Argument)
	_, err := w.Write(buf[:])
	return err
}

func readFrame(r io.Reader) (Frame, error) {
	var buf [frameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, err
	}
	return Frame{
		Command:  Command(buf[0]),
		Argument: binary.LittleEndian.Uint32(buf[1:]),
	}, nil
}
