package xfer

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/busoc/coreagent/internal/logging"
)

// rawPacket mirrors the agent -> GSN wire framing (4-byte LE length prefix,
// leading type byte) without pulling in the agent-side Inbound decoder,
// which only understands the GSN -> agent packet shapes.
type rawPacket struct {
	Type PacketType
	Body []byte
}

func readRawPacket(r io.Reader) (rawPacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rawPacket{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return rawPacket{}, err
	}
	return rawPacket{Type: PacketType(buf[0]), Body: buf[1:]}, nil
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// fakeGSN drives the peer side of the pipe, collecting every outbound
// packet the agent sends and replying with scripted ACKs/RESENDs.
type fakeGSN struct {
	conn    net.Conn
	inbound chan rawPacket
}

func newFakeGSN(conn net.Conn) *fakeGSN {
	f := &fakeGSN{conn: conn, inbound: make(chan rawPacket, 64)}
	go func() {
		for {
			pkt, err := readRawPacket(conn)
			if err != nil {
				close(f.inbound)
				return
			}
			f.inbound <- pkt
		}
	}()
	return f
}

func (f *fakeGSN) ackInit() { f.send(AckMsg{AckedType: PacketINIT}.Encode()) }
func (f *fakeGSN) ackChunk(n uint32) {
	f.send(AckMsg{AckedType: PacketCHUNK, ChunkNumber: n}.Encode())
}
func (f *fakeGSN) ackCRC() { f.send(AckMsg{AckedType: PacketCRC}.Encode()) }
func (f *fakeGSN) send(payload []byte) {
	WriteMessage(f.conn, payload)
}

func (f *fakeGSN) next(t *testing.T) rawPacket {
	t.Helper()
	select {
	case pkt, ok := <-f.inbound:
		if !ok {
			t.Fatalf("peer connection closed unexpectedly")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound packet")
	}
	return rawPacket{}
}

// TestFreshTransferEndToEnd exercises scenario S1: a clean file observed at
// startup is sent INIT, CHUNK(s), CRC and transitions back to idle once all
// three are acknowledged, with the source file removed once GSN has
// acknowledged the CRC.
func TestFreshTransferEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "alpha.bin", []byte("hello world"))

	watches := []Watch{{RelativePath: "./", StorageKind: StorageFS, DeviceID: 7, DateFormat: "2006"}}
	e := NewEngine(dir, watches, 500*time.Millisecond, 0, logging.Nop())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	peer := newFakeGSN(server)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(client, stop) }()

	if pkt := peer.next(t); pkt.Type != PacketINIT {
		t.Fatalf("expected INIT, got %v", pkt.Type)
	}
	peer.ackInit()

	if pkt := peer.next(t); pkt.Type != PacketCHUNK {
		t.Fatalf("expected CHUNK, got %v", pkt.Type)
	}
	peer.ackChunk(0)

	if pkt := peer.next(t); pkt.Type != PacketCRC {
		t.Fatalf("expected CRC, got %v", pkt.Type)
	}
	peer.ackCRC()

	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("engine returned error: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed after CRC ack, stat error: %v", err)
	}
}

// TestEmptyFileDroppedWithoutInit exercises the zero-byte boundary case: a
// file with nothing to send is deleted on sight and never gets an INIT.
func TestEmptyFileDroppedWithoutInit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.bin", nil)

	watches := []Watch{{RelativePath: "./", StorageKind: StorageFS, DeviceID: 7, DateFormat: "2006"}}
	e := NewEngine(dir, watches, 500*time.Millisecond, 0, logging.Nop())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	peer := newFakeGSN(server)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(client, stop) }()

	select {
	case pkt := <-peer.inbound:
		t.Fatalf("expected no INIT for the empty file, got %v", pkt.Type)
	case <-time.After(300 * time.Millisecond):
	}

	close(stop)
	<-done

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected empty file to be removed, stat error: %v", err)
	}
}

// TestGSNInitSolicitationWithEmptyQueueIsIgnored exercises a GSN-initiated
// INIT solicitation arriving once the engine is idle with nothing queued:
// the agent sends nothing back and keeps the connection up.
func TestGSNInitSolicitationWithEmptyQueueIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "alpha.bin", []byte("hello"))

	watches := []Watch{{RelativePath: "./", StorageKind: StorageFS, DeviceID: 7, DateFormat: "2006"}}
	e := NewEngine(dir, watches, time.Second, 0, logging.Nop())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	peer := newFakeGSN(server)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(client, stop) }()

	if pkt := peer.next(t); pkt.Type != PacketINIT {
		t.Fatalf("expected the startup-scanned file's INIT first, got %v", pkt.Type)
	}
	peer.ackInit()
	if pkt := peer.next(t); pkt.Type != PacketCHUNK {
		t.Fatalf("expected CHUNK, got %v", pkt.Type)
	}
	peer.ackChunk(0)
	if pkt := peer.next(t); pkt.Type != PacketCRC {
		t.Fatalf("expected CRC, got %v", pkt.Type)
	}
	peer.ackCRC()

	// Drain the connection until the engine settles with an empty queue,
	// then prove an unsolicited INIT with nothing queued neither errors
	// the connection nor sends anything back.
	time.Sleep(50 * time.Millisecond)
	peer.send([]byte{byte(PacketINIT)})

	select {
	case pkt := <-peer.inbound:
		t.Fatalf("expected no packet with an empty queue, got %v", pkt.Type)
	case <-time.After(300 * time.Millisecond):
	}

	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("engine returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected transferred file to be removed")
	}
}

// TestGSNInitSolicitationRefusedMidTransfer exercises the
// refuse_init_mid_transfer escape hatch: a solicitation arriving while a
// transfer is active is refused and the active transfer is left running.
func TestGSNInitSolicitationRefusedMidTransfer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "alpha.bin", []byte("hello world"))

	watches := []Watch{{RelativePath: "./", StorageKind: StorageFS, DeviceID: 7, DateFormat: "2006"}}
	e := NewEngine(dir, watches, time.Second, 0, logging.Nop())
	e.SetRefuseInitMidTransfer(true)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	peer := newFakeGSN(server)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- e.Run(client, stop) }()

	if pkt := peer.next(t); pkt.Type != PacketINIT {
		t.Fatalf("expected INIT, got %v", pkt.Type)
	}

	peer.send([]byte{byte(PacketINIT)})
	if pkt := peer.next(t); pkt.Type != PacketACK {
		t.Fatalf("expected a protocol-error ACK refusing the solicitation, got %v", pkt.Type)
	}

	peer.ackInit()
	if pkt := peer.next(t); pkt.Type != PacketCHUNK {
		t.Fatalf("expected the original transfer to continue with CHUNK, got %v", pkt.Type)
	}

	close(stop)
	<-done
}

func TestMatchWatchLongestPrefix(t *testing.T) {
	watches := []Watch{
		{RelativePath: "./"},
		{RelativePath: "incoming/"},
		{RelativePath: "incoming/images/"},
	}
	w, ok := matchWatch(watches, "incoming/images/a.jpg")
	if !ok || w.RelativePath != "incoming/images/" {
		t.Fatalf("expected longest-prefix match, got %+v ok=%v", w, ok)
	}
	w, ok = matchWatch(watches, "incoming/doc.txt")
	if !ok || w.RelativePath != "incoming/" {
		t.Fatalf("expected incoming/ match, got %+v", w)
	}
	w, ok = matchWatch(watches, "other/file.bin")
	if !ok || w.RelativePath != "./" {
		t.Fatalf("expected ./ fallback, got %+v ok=%v", w, ok)
	}
}

func TestScanStartupOrdersByMtimeAscending(t *testing.T) {
	dir := t.TempDir()
	older := writeFile(t, dir, "older.bin", []byte("a"))
	time.Sleep(10 * time.Millisecond)
	newer := writeFile(t, dir, "newer.bin", []byte("b"))
	os.Chtimes(older, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))

	files := scanStartup(dir, []Watch{{RelativePath: "./"}})
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != older || files[1].Path != newer {
		t.Fatalf("expected oldest-first ordering, got %+v", files)
	}
}

func TestQueuePushHeadPreemptsTail(t *testing.T) {
	q := newQueue()
	q.PushTail(PendingFile{Path: "tail1"})
	q.PushTail(PendingFile{Path: "tail2"})
	q.PushHead(PendingFile{Path: "head"})

	p, ok := q.TryPop()
	if !ok || p.Path != "head" {
		t.Fatalf("expected head to be popped first, got %+v", p)
	}
	p, _ = q.TryPop()
	if p.Path != "tail1" {
		t.Fatalf("expected tail1 next, got %+v", p)
	}
}

func TestBusyStateReflectsGraceWindow(t *testing.T) {
	b := newBusyState(50 * time.Millisecond)
	if !b.IsBusy() {
		t.Fatalf("expected busy during grace window")
	}
	time.Sleep(80 * time.Millisecond)
	if b.IsBusy() {
		t.Fatalf("expected not busy after grace window elapses")
	}
	b.setQueueNonEmpty(true)
	if !b.IsBusy() {
		t.Fatalf("expected busy when queue is non-empty")
	}
}
