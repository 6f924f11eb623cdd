// Package xfer implements the binary upload plugin: a reliable, resumable,
// in-order transfer engine that watches directories for newly closed
// files, chunks them, and streams them to GSN under the four-packet
// request/ack protocol of §4.D, surviving connection loss mid-transfer
// with byte-accurate resume and CRC verification.
package xfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the five message shapes exchanged over the binary
// transfer connection.
type PacketType uint8

const (
	PacketACK    PacketType = 0
	PacketINIT   PacketType = 1
	PacketRESEND PacketType = 2
	PacketCHUNK  PacketType = 3
	PacketCRC    PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketACK:
		return "ACK"
	case PacketINIT:
		return "INIT"
	case PacketRESEND:
		return "RESEND"
	case PacketCHUNK:
		return "CHUNK"
	case PacketCRC:
		return "CRC"
	default:
		return fmt.Sprintf("PACKET(%d)", uint8(t))
	}
}

// ChunkSize is the fixed payload unit size for a CHUNK packet.
const ChunkSize = 64000

// MaxStringLen is the truncation length applied to filename/date_format
// before they are length-prefixed onto the wire.
const MaxStringLen = 255

func truncate(s string) string {
	if len(s) > MaxStringLen {
		return s[:MaxStringLen]
	}
	return s
}

func writeString(buf *bytes.Buffer, s string) {
	s = truncate(s)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// InitMsg is the agent -> GSN INIT packet announcing a new file transfer.
type InitMsg struct {
	QueueBytes    uint64
	QueueDepth    uint32
	ResendCounter uint32
	DeviceID      uint32
	MtimeMS       int64
	FileSize      uint32
	StorageKind   uint8
	Filename      string
	DateFormat    string
}

func (m InitMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(PacketINIT))
	binary.Write(&buf, binary.LittleEndian, m.QueueBytes)
	binary.Write(&buf, binary.LittleEndian, m.QueueDepth)
	binary.Write(&buf, binary.LittleEndian, m.ResendCounter)
	binary.Write(&buf, binary.LittleEndian, m.DeviceID)
	binary.Write(&buf, binary.LittleEndian, m.MtimeMS)
	binary.Write(&buf, binary.LittleEndian, m.FileSize)
	buf.WriteByte(m.StorageKind)
	writeString(&buf, m.Filename)
	writeString(&buf, m.DateFormat)
	return buf.Bytes()
}

func decodeInit(r *bytes.Reader) (InitMsg, error) {
	var m InitMsg
	if err := binary.Read(r, binary.LittleEndian, &m.QueueBytes); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.QueueDepth); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.ResendCounter); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.DeviceID); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.MtimeMS); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.FileSize); err != nil {
		return m, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.StorageKind = kind
	if m.Filename, err = readString(r); err != nil {
		return m, err
	}
	if m.DateFormat, err = readString(r); err != nil {
		return m, err
	}
	return m, nil
}

// ChunkMsg is the agent -> GSN CHUNK packet carrying one payload unit.
type ChunkMsg struct {
	QueueBytes    uint64
	QueueDepth    uint32
	ResendCounter uint32
	ChunkNumber   uint32
	Payload       []byte
}

func (m ChunkMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(PacketCHUNK))
	binary.Write(&buf, binary.LittleEndian, m.QueueBytes)
	binary.Write(&buf, binary.LittleEndian, m.QueueDepth)
	binary.Write(&buf, binary.LittleEndian, m.ResendCounter)
	binary.Write(&buf, binary.LittleEndian, m.ChunkNumber)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(m.Payload)))
	buf.Write(l[:])
	buf.Write(m.Payload)
	return buf.Bytes()
}

// CrcMsg is the agent -> GSN CRC packet finalizing a transfer.
type CrcMsg struct {
	QueueBytes    uint64
	QueueDepth    uint32
	ResendCounter uint32
	Crc32         uint32
}

func (m CrcMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(PacketCRC))
	binary.Write(&buf, binary.LittleEndian, m.QueueBytes)
	binary.Write(&buf, binary.LittleEndian, m.QueueDepth)
	binary.Write(&buf, binary.LittleEndian, m.ResendCounter)
	binary.Write(&buf, binary.LittleEndian, m.Crc32)
	return buf.Bytes()
}

// AckMsg acknowledges the last-received packet of AckedType (plus
// ChunkNumber when AckedType is CHUNK). Sent by GSN to the agent; the
// agent sends one (AckedType INIT) only to refuse a GSN-originated INIT
// solicitation while a transfer is active.
type AckMsg struct {
	AckedType   PacketType
	ChunkNumber uint32
}

func (m AckMsg) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(PacketACK))
	buf.WriteByte(byte(m.AckedType))
	if m.AckedType == PacketCHUNK {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], m.ChunkNumber)
		buf.Write(n[:])
	}
	return buf.Bytes()
}

func decodeAck(r *bytes.Reader) (AckMsg, error) {
	var m AckMsg
	t, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.AckedType = PacketType(t)
	if m.AckedType == PacketCHUNK {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return m, err
		}
		m.ChunkNumber = n
	}
	return m, nil
}

// ResendMsg is the GSN -> agent RESEND packet asking the agent to resume a
// transfer at a byte offset.
type ResendMsg struct {
	Downloaded  uint32
	ChunkNumber uint32
	GSNCrc      uint32
	Filename    string
}

func decodeResend(r *bytes.Reader) (ResendMsg, error) {
	var m ResendMsg
	if err := binary.Read(r, binary.LittleEndian, &m.Downloaded); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.ChunkNumber); err != nil {
		return m, err
	}
	if err := binary.Read(r, binary.LittleEndian, &m.GSNCrc); err != nil {
		return m, err
	}
	var err error
	if m.Filename, err = readString(r); err != nil {
		return m, err
	}
	return m, nil
}

// Inbound is a decoded GSN -> agent message: exactly one of the typed
// fields is populated, selected by Type.
type Inbound struct {
	Type   PacketType
	Ack    AckMsg
	Resend ResendMsg
	// INIT solicitations from GSN carry no payload.
}

// DecodeInbound reads one length-prefixed message from r and decodes it by
// its leading type byte.
func DecodeInbound(r io.Reader) (Inbound, error) {
	body, err := readMessage(r)
	if err != nil {
		return Inbound{}, err
	}
	br := bytes.NewReader(body[1:])
	var in Inbound
	in.Type = PacketType(body[0])
	switch in.Type {
	case PacketACK:
		in.Ack, err = decodeAck(br)
	case PacketRESEND:
		in.Resend, err = decodeResend(br)
	case PacketINIT:
		// no payload
	default:
		err = fmt.Errorf("xfer: unexpected inbound packet type %v", in.Type)
	}
	return in, err
}

// WriteMessage length-prefixes and writes an already-encoded outbound
// packet (the return value of one of the Encode methods above).
func WriteMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
