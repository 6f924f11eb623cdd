package xfer

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/metrics"
)

// conn is the minimal transport the sender state machine needs; gsn.Conn
// satisfies it.
type conn interface {
	io.Reader
	io.Writer
}

// sent records which packet type the engine is currently waiting on an ACK
// (or RESEND) for.
type sent int

const (
	sentNone sent = iota
	sentInit
	sentChunk
	sentCRC
)

// session is the live TransferState for the file currently being sent. It
// survives a connection loss (paused, unmutated) and is only torn down —
// file closed, mode restored, re-enqueued at tail — when a fresh connection
// is established, per the reconnect contract.
type session struct {
	file        *os.File
	path        string
	watch       Watch
	fileSize    uint32
	mtimeMS     int64
	chunkNumber uint32
	runningCRC  uint32
	resendCtr   uint32
	waiting     sent
}

// Engine drives the pending-file queue against one GSN connection at a
// time. The caller owns reconnect/backoff; Run handles exactly one
// connection's worth of work and returns when that connection fails.
type Engine struct {
	rootDir        string
	watches        []Watch
	queue          *queue
	busy           *busyState
	resendInterval time.Duration
	maxResends     uint32
	log            *zap.SugaredLogger

	// refuseInitMidTransfer implements the refuse_init_mid_transfer escape
	// hatch: when set, a GSN-initiated INIT solicitation received while a
	// transfer is already active is refused instead of abandoning it.
	refuseInitMidTransfer bool
	metrics               *metrics.Metrics

	active *session
}

// NewEngine builds a transfer engine rooted at rootDir, seeding its queue
// from a startup directory scan.
func NewEngine(rootDir string, watches []Watch, resendInterval time.Duration, maxResends uint32, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		rootDir:        rootDir,
		watches:        watches,
		queue:          newQueue(),
		busy:           newBusyState(0),
		resendInterval: resendInterval,
		maxResends:     maxResends,
		log:            log,
	}
	for _, pf := range scanStartup(rootDir, watches) {
		e.queue.PushTail(pf)
	}
	e.busy.setQueueNonEmpty(e.queue.Len() > 0)
	return e
}

// SetRefuseInitMidTransfer configures the refuse_init_mid_transfer escape
// hatch described in the spec's Open Questions: when v is true, a
// GSN-initiated INIT solicitation received while a transfer is already
// active is refused (the active transfer is kept) instead of abandoned.
func (e *Engine) SetRefuseInitMidTransfer(v bool) { e.refuseInitMidTransfer = v }

// SetMetrics attaches the Prometheus collectors this engine reports
// against. Call once before Run/Watch start; nil is a valid no-op value.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
	e.publishQueueMetrics()
}

// publishQueueMetrics refreshes the queue depth/bytes gauges, if metrics
// are attached. Called after every push/pop so the gauges never drift from
// the live queue.
func (e *Engine) publishQueueMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	e.metrics.QueueBytes.Set(float64(e.queue.Bytes()))
}

// PrioritizeDevice moves every file currently queued for deviceID to the
// head of the queue, ahead of everything else — the transfer-engine side
// of the BinaryUpload plugin's "nudge" action, so an operator-triggered
// schedule entry can push a device's backlog out immediately instead of
// waiting for the directory watcher or the startup scan order.
func (e *Engine) PrioritizeDevice(deviceID uint32) error {
	n := e.queue.PromoteMatching(func(p PendingFile) bool {
		rel := e.relativePath(p.Path)
		w, ok := matchWatch(e.watches, rel)
		return ok && w.DeviceID == deviceID
	})
	e.log.Infow("xfer: nudged device backlog to head of queue", "device_id", deviceID, "files", n)
	return nil
}

// Watch starts the directory watcher and pushes newly settled files to the
// head of the queue. It blocks until stop is closed.
func (e *Engine) Watch(stop <-chan struct{}) error {
	return watchDirs(e.rootDir, e.watches, e.log, stop, func(path string) {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		e.queue.PushHead(PendingFile{Path: path, Size: info.Size()})
		e.busy.setQueueNonEmpty(true)
		e.publishQueueMetrics()
	})
}

// IsBusy reports whether the engine has outstanding work.
func (e *Engine) IsBusy() bool { return e.busy.IsBusy() }

// relativePath returns path relative to rootDir, for watch matching.
func (e *Engine) relativePath(path string) string {
	rel, err := filepath.Rel(e.rootDir, path)
	if err != nil {
		return path
	}
	return rel
}

// abandonActive closes and restores permissions on a leftover transfer from
// a prior connection, then re-enqueues it at the tail with its
// current on-disk size — the reconnect cleanup described for a transfer
// that was active when the connection dropped.
func (e *Engine) abandonActive() {
	if e.active == nil {
		return
	}
	s := e.active
	e.restorePermission(s)
	s.file.Close()
	size := int64(s.fileSize)
	if info, err := os.Stat(s.path); err == nil {
		size = info.Size()
	}
	e.queue.PushTail(PendingFile{Path: s.path, Size: size})
	e.busy.setQueueNonEmpty(true)
	e.busy.setTransferring(false)
	e.active = nil
	e.publishQueueMetrics()
	if e.metrics != nil {
		e.metrics.TransfersTotal.WithLabelValues("interrupted").Inc()
	}
}

func (e *Engine) restorePermission(s *session) {
	if err := os.Chmod(s.path, 0744); err != nil {
		e.log.Warnw("xfer: failed to restore file permission", "path", s.path, "error", err)
	}
}

// Run drives one connection's worth of transfer work until c fails or stop
// is closed. It returns nil only when stop fires; any I/O error on c is
// returned so the caller can reconnect and call Run again.
func (e *Engine) Run(c conn, stop <-chan struct{}) error {
	if e.active != nil {
		e.abandonActive()
	}

	inbound := make(chan Inbound, 1)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			in, err := DecodeInbound(c)
			if err != nil {
				inboundErr <- err
				return
			}
			inbound <- in
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var retransmit <-chan time.Time
	var retransmitTimer *time.Timer

	armRetransmit := func() {
		if retransmitTimer != nil {
			retransmitTimer.Stop()
		}
		retransmitTimer = time.NewTimer(e.resendInterval)
		retransmit = retransmitTimer.C
	}
	disarmRetransmit := func() {
		if retransmitTimer != nil {
			retransmitTimer.Stop()
		}
		retransmit = nil
	}

	for {
		if e.active == nil {
			pf, ok := e.queue.TryPop()
			if !ok {
				e.busy.setQueueNonEmpty(false)
			} else {
				e.publishQueueMetrics()
				if err := e.startTransfer(c, pf); err != nil {
					e.log.Warnw("xfer: failed to start transfer", "path", pf.Path, "error", err)
				} else if e.active != nil {
					armRetransmit()
				}
			}
		}

		select {
		case <-stop:
			if e.active != nil {
				e.restorePermission(e.active)
				e.active.file.Close()
				e.active = nil
				e.busy.setTransferring(false)
			}
			return nil
		case err := <-inboundErr:
			return errors.Wrap(err, "xfer: connection lost")
		case in := <-inbound:
			disarmRetransmit()
			if err := e.handleInbound(c, in); err != nil {
				return errors.Wrap(err, "xfer: protocol error")
			}
			if e.active != nil {
				armRetransmit()
			}
		case <-retransmit:
			if e.active == nil {
				continue
			}
			e.active.resendCtr++
			if e.maxResends > 0 && e.active.resendCtr > e.maxResends {
				return errors.New("xfer: exceeded maximum resend count without ACK")
			}
			if e.metrics != nil {
				e.metrics.ResendsTotal.Inc()
			}
			if err := e.resendLast(c); err != nil {
				return errors.Wrap(err, "xfer: resend failed")
			}
			armRetransmit()
		case <-ticker.C:
			// wakes the idle-queue poll above
		}
	}
}

func (e *Engine) startTransfer(c conn, pf PendingFile) error {
	f, err := os.Open(pf.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	// A zero-byte file carries nothing worth transferring and has no
	// meaningful CRC; per the boundary case it is dropped silently,
	// without ever sending an INIT for it.
	if info.Size() == 0 {
		f.Close()
		if err := os.Remove(pf.Path); err != nil && !os.IsNotExist(err) {
			e.log.Warnw("xfer: failed to remove empty file", "path", pf.Path, "error", err)
		} else {
			e.log.Infow("xfer: dropped empty file without INIT", "path", pf.Path)
		}
		return nil
	}
	if err := os.Chmod(pf.Path, 0444); err != nil {
		f.Close()
		return err
	}
	rel := e.relativePath(pf.Path)
	watch, _ := matchWatch(e.watches, rel)

	s := &session{
		file:     f,
		path:     pf.Path,
		watch:    watch,
		fileSize: uint32(info.Size()),
		mtimeMS:  info.ModTime().UnixMilli(),
		waiting:  sentInit,
	}
	e.active = s
	e.busy.setTransferring(true)

	msg := InitMsg{
		QueueBytes:    e.queue.Bytes(),
		QueueDepth:    uint32(e.queue.Len()),
		ResendCounter: s.resendCtr,
		DeviceID:      watch.DeviceID,
		MtimeMS:       s.mtimeMS,
		FileSize:      s.fileSize,
		StorageKind:   uint8(watch.StorageKind),
		Filename:      rel,
		DateFormat:    watch.DateFormat,
	}
	return WriteMessage(c, msg.Encode())
}

// handleInbound applies one GSN -> agent message to the active transfer.
func (e *Engine) handleInbound(c conn, in Inbound) error {
	switch in.Type {
	case PacketACK:
		return e.handleAck(c, in.Ack)
	case PacketRESEND:
		return e.handleResend(c, in.Resend)
	case PacketINIT:
		return e.handleGSNInit(c)
	default:
		return errors.Errorf("xfer: unexpected inbound packet %v", in.Type)
	}
}

// handleGSNInit responds to a GSN-initiated INIT solicitation: GSN is
// asking the agent to start sending a file (e.g. after it has drained its
// own backlog). If no transfer is active the agent simply picks the next
// queued file and sends a fresh INIT, same as the idle-queue poll would.
// If a transfer is already active this is logged loudly every time it
// happens; refuseInitMidTransfer then decides whether the active transfer
// is abandoned in favor of picking a new file, or kept as-is and the
// solicitation refused.
func (e *Engine) handleGSNInit(c conn) error {
	if e.active != nil {
		e.log.Warnw("xfer: GSN solicited INIT while a transfer is already active",
			"path", e.active.path, "refuse_init_mid_transfer", e.refuseInitMidTransfer)
		if e.refuseInitMidTransfer {
			return WriteMessage(c, AckMsg{AckedType: PacketINIT}.Encode())
		}
		e.abandonActive()
	}
	pf, ok := e.queue.TryPop()
	if !ok {
		return nil
	}
	e.publishQueueMetrics()
	return e.startTransfer(c, pf)
}

func (e *Engine) handleAck(c conn, ack AckMsg) error {
	s := e.active
	if s == nil {
		return nil
	}
	switch ack.AckedType {
	case PacketINIT:
		if s.waiting != sentInit {
			return nil
		}
		return e.sendNextChunk(c)
	case PacketCHUNK:
		if s.waiting != sentChunk || ack.ChunkNumber != s.chunkNumber {
			return nil
		}
		s.chunkNumber++
		return e.sendNextChunk(c)
	case PacketCRC:
		if s.waiting != sentCRC {
			return nil
		}
		return e.finishTransfer()
	}
	return nil
}

// handleResend rewinds the session to the byte offset GSN reports as
// downloaded and resumes chunking from there, without re-reading bytes
// already acknowledged.
func (e *Engine) handleResend(c conn, r ResendMsg) error {
	s := e.active
	if s == nil {
		// GSN is asking to resume a file that is not the active transfer;
		// if it's still queued, leave it — it will be resent fresh.
		return nil
	}
	if e.relativePath(s.path) != r.Filename {
		return nil
	}
	if _, err := s.file.Seek(int64(r.Downloaded), io.SeekStart); err != nil {
		return err
	}
	s.chunkNumber = r.ChunkNumber
	s.runningCRC = r.GSNCrc
	s.resendCtr++
	if e.metrics != nil {
		e.metrics.ResendsTotal.Inc()
	}
	return e.sendNextChunk(c)
}

func (e *Engine) sendNextChunk(c conn) error {
	s := e.active
	buf := make([]byte, ChunkSize)
	n, err := s.file.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	if n == 0 {
		return e.sendCRC(c)
	}
	s.runningCRC = crc32.Update(s.runningCRC, crc32.IEEETable, buf[:n])
	s.waiting = sentChunk
	if e.metrics != nil {
		e.metrics.BytesSentTotal.Add(float64(n))
	}
	msg := ChunkMsg{
		QueueBytes:    e.queue.Bytes(),
		QueueDepth:    uint32(e.queue.Len()),
		ResendCounter: s.resendCtr,
		ChunkNumber:   s.chunkNumber,
		Payload:       buf[:n],
	}
	return WriteMessage(c, msg.Encode())
}

func (e *Engine) sendCRC(c conn) error {
	s := e.active
	s.waiting = sentCRC
	msg := CrcMsg{
		QueueBytes:    e.queue.Bytes(),
		QueueDepth:    uint32(e.queue.Len()),
		ResendCounter: s.resendCtr,
		Crc32:         s.runningCRC,
	}
	return WriteMessage(c, msg.Encode())
}

func (e *Engine) resendLast(c conn) error {
	s := e.active
	switch s.waiting {
	case sentInit:
		msg := InitMsg{
			QueueBytes:    e.queue.Bytes(),
			QueueDepth:    uint32(e.queue.Len()),
			ResendCounter: s.resendCtr,
			DeviceID:      s.watch.DeviceID,
			MtimeMS:       s.mtimeMS,
			FileSize:      s.fileSize,
			StorageKind:   uint8(s.watch.StorageKind),
			Filename:      e.relativePath(s.path),
			DateFormat:    s.watch.DateFormat,
		}
		return WriteMessage(c, msg.Encode())
	case sentCRC:
		return e.sendCRC(c)
	case sentChunk:
		// Re-read and re-emit the same bytes; they are already folded into
		// runningCRC, so this does not go through sendNextChunk.
		n := chunkLen(s)
		if _, err := s.file.Seek(-n, io.SeekCurrent); err != nil {
			return err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(s.file, buf); err != nil {
			return err
		}
		msg := ChunkMsg{
			QueueBytes:    e.queue.Bytes(),
			QueueDepth:    uint32(e.queue.Len()),
			ResendCounter: s.resendCtr,
			ChunkNumber:   s.chunkNumber,
			Payload:       buf,
		}
		return WriteMessage(c, msg.Encode())
	}
	return nil
}

// chunkLen recovers how many bytes the last CHUNK carried, for the
// ack-timeout resend path, from the current file offset; it is always
// ChunkSize except for the final (possibly short) chunk.
func chunkLen(s *session) int64 {
	pos, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return ChunkSize
	}
	last := pos % ChunkSize
	if last == 0 {
		return ChunkSize
	}
	return last
}

// finishTransfer closes out a fully CRC-acked session: the file's
// permission is restored one last time (an invariant of every exit path),
// then the file itself is deleted — GSN now holds the only copy, per the
// scenario S1 contract that the source file no longer exists once the CRC
// is acknowledged.
func (e *Engine) finishTransfer() error {
	s := e.active
	e.restorePermission(s)
	s.file.Close()
	e.active = nil
	e.busy.setTransferring(false)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		e.log.Warnw("xfer: failed to remove file after CRC ack", "path", s.path, "error", err)
	}
	if e.metrics != nil {
		e.metrics.TransfersTotal.WithLabelValues("complete").Inc()
	}
	e.log.Infow("xfer: transfer complete", "path", s.path, "size", s.fileSize)
	return nil
}
