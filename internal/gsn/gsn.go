// Package gsn maintains the agent's single TCP connection to the ground
// station node: framed message demultiplexing for the schedule and binary
// upload channels, and reconnect-with-backoff when the link drops.
package gsn

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/metrics"
)

// Channel identifies which logical stream a framed message belongs to,
// multiplexed over the single underlying connection.
type Channel uint8

const (
	ChannelSchedule Channel = 0
	ChannelBinary   Channel = 1
	ChannelControl  Channel = 2
)

// Message is one length-prefixed, channel-tagged frame.
type Message struct {
	Channel Channel
	Payload []byte
}

// writeMessage frames payload as channel-byte + u32-LE length + body.
func writeMessage(w io.Writer, ch Channel, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(ch)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) (Message, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{Channel: Channel(hdr[0]), Payload: body}, nil
}

// Conn is a single established GSN connection, offering a channel-demuxed
// read API and a plain writer per channel. Callers (such as the xfer
// engine) that want the binary channel as an undifferentiated byte stream
// use BinaryStream; Conn's own Read/Write are those of the raw net.Conn.
type Conn struct {
	net.Conn
	schedule chan Message
	binary   chan Message
	errs     chan error
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{Conn: nc, schedule: make(chan Message, 8), binary: make(chan Message, 8), errs: make(chan error, 1)}
	go c.demux()
	return c
}

func (c *Conn) demux() {
	for {
		msg, err := readMessage(c.Conn)
		if err != nil {
			c.errs <- err
			close(c.schedule)
			close(c.binary)
			return
		}
		switch msg.Channel {
		case ChannelSchedule, ChannelControl:
			c.schedule <- msg
		case ChannelBinary:
			c.binary <- msg
		}
	}
}

// Schedule returns the channel of inbound SCHEDULE/control messages.
func (c *Conn) Schedule() <-chan Message { return c.schedule }

// WriteSchedule sends payload on the schedule/control channel.
func (c *Conn) WriteSchedule(payload []byte) error {
	return writeMessage(c.Conn, ChannelSchedule, payload)
}

// Read/Write below adapt the binary channel to a plain io.ReadWriter so
// internal/xfer can treat it as an opaque byte-oriented transport; outbound
// bytes are framed onto ChannelBinary, inbound bytes are drained from the
// demuxed binary channel's message queue.
type binaryStream struct {
	c       *Conn
	pending []byte
}

func (c *Conn) BinaryStream() io.ReadWriter { return &binaryStream{c: c} }

func (b *binaryStream) Write(p []byte) (int, error) {
	if err := writeMessage(b.c.Conn, ChannelBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *binaryStream) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		msg, ok := <-b.c.binary
		if !ok {
			return 0, io.EOF
		}
		b.pending = msg.Payload
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// ScheduleMsgType identifies the four schedule-channel message shapes GSN
// and the agent exchange over ChannelSchedule.
type ScheduleMsgType uint8

const (
	NoScheduleAvailable ScheduleMsgType = 0
	NoNewSchedule       ScheduleMsgType = 1
	ScheduleAvailable   ScheduleMsgType = 2
	GetSchedule         ScheduleMsgType = 3
)

func (t ScheduleMsgType) String() string {
	switch t {
	case NoScheduleAvailable:
		return "NO_SCHEDULE_AVAILABLE"
	case NoNewSchedule:
		return "NO_NEW_SCHEDULE"
	case ScheduleAvailable:
		return "SCHEDULE"
	case GetSchedule:
		return "GET_SCHEDULE"
	default:
		return "SCHEDULE_MSG(unknown)"
	}
}

// writeLongString length-prefixes s with a u32-LE length, unlike the
// truncated u16-prefixed strings used by internal/xfer: a schedule's text
// body routinely exceeds that truncation length.
func writeLongString(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readLongString(r *bytes.Reader) (string, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// ScheduleInbound is a decoded GSN -> agent schedule-channel message;
// CreationTimeMS/Origin/Text are only populated for the subtypes that carry
// them.
type ScheduleInbound struct {
	Type           ScheduleMsgType
	CreationTimeMS int64
	Origin         string
	Text           string
}

// DecodeScheduleMessage decodes the body of a ChannelSchedule frame.
func DecodeScheduleMessage(payload []byte) (ScheduleInbound, error) {
	if len(payload) == 0 {
		return ScheduleInbound{}, errors.New("gsn: empty schedule message")
	}
	var m ScheduleInbound
	m.Type = ScheduleMsgType(payload[0])
	r := bytes.NewReader(payload[1:])
	switch m.Type {
	case NoScheduleAvailable, NoNewSchedule:
		// no further fields
	case ScheduleAvailable:
		var ms uint64
		if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
			return m, err
		}
		m.CreationTimeMS = int64(ms)
		var err error
		if m.Origin, err = readLongString(r); err != nil {
			return m, err
		}
		if m.Text, err = readLongString(r); err != nil {
			return m, err
		}
	case GetSchedule:
		var ms uint64
		if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
			return m, err
		}
		m.CreationTimeMS = int64(ms)
	default:
		return m, errors.Errorf("gsn: unknown schedule message type %d", payload[0])
	}
	return m, nil
}

// EncodeGetSchedule builds a GET_SCHEDULE request carrying the agent's
// currently held creation time (zero if it holds no schedule at all).
func EncodeGetSchedule(creationTimeMS int64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(GetSchedule))
	binary.Write(&buf, binary.LittleEndian, uint64(creationTimeMS))
	return buf.Bytes()
}

// EncodeSchedule builds a SCHEDULE message carrying origin's full schedule
// text and the creation time it was stamped with.
func EncodeSchedule(creationTimeMS int64, origin, text string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(ScheduleAvailable))
	binary.Write(&buf, binary.LittleEndian, uint64(creationTimeMS))
	writeLongString(&buf, origin)
	writeLongString(&buf, text)
	return buf.Bytes()
}

// EncodeNoScheduleAvailable builds the response GSN sends to a GET_SCHEDULE
// when it holds no schedule for this agent at all.
func EncodeNoScheduleAvailable() []byte { return []byte{byte(NoScheduleAvailable)} }

// EncodeNoNewSchedule builds the response GSN sends to a GET_SCHEDULE when
// its held schedule's creation time matches the one the agent already has.
func EncodeNoNewSchedule() []byte { return []byte{byte(NoNewSchedule)} }

// Client owns the reconnect loop against a single GSN address, publishing
// Connected and Lost events so dependent components (ScheduleHandler,
// BinaryTransfer) can react without embedding dial logic themselves.
type Client struct {
	addr        string
	dialTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics

	Connected chan *Conn
	Lost      chan error
}

// SetMetrics attaches the Prometheus collectors this client reports
// against; GSNConnected tracks the current link state as a 0/1 gauge.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New builds a reconnecting client for addr.
func New(addr string, dialTimeout, minBackoff, maxBackoff time.Duration, log *zap.SugaredLogger) *Client {
	return &Client{
		addr:        addr,
		dialTimeout: dialTimeout,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
		log:         log,
		Connected:   make(chan *Conn),
		Lost:        make(chan error, 1),
	}
}

// Run dials addr, republishing on Connected, and on disconnect waits with
// jittered exponential backoff before dialing again, until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		nc, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
		if err != nil {
			c.log.Warnw("gsn: dial failed", "addr", c.addr, "error", err)
			if !c.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = c.minBackoff
		conn := newConn(nc)
		select {
		case c.Connected <- conn:
			if c.metrics != nil {
				c.metrics.GSNConnected.Set(1)
			}
		case <-ctx.Done():
			conn.Close()
			return
		}

		select {
		case err := <-conn.errs:
			if c.metrics != nil {
				c.metrics.GSNConnected.Set(0)
			}
			select {
			case c.Lost <- errors.Wrap(err, "gsn: connection lost"):
			default:
			}
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// sleepBackoff waits for the current backoff duration plus up to 20%
// jitter, doubling backoff toward maxBackoff for the next attempt. It
// returns false if ctx is cancelled while waiting.
func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff) / 5 + 1))
	wait := *backoff + jitter
	*backoff *= 2
	if *backoff > c.maxBackoff {
		*backoff = c.maxBackoff
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
