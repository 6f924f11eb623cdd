package gsn

import (
	"net"
	"testing"
	"time"
)

func TestMessageFramingRoundTrips(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeMessage(client, ChannelSchedule, []byte("hello"))

	msg, err := readMessage(server)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msg.Channel != ChannelSchedule || string(msg.Payload) != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestConnDemuxesScheduleAndBinaryChannels(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	conn := newConn(server)
	defer conn.Close()

	go writeMessage(client, ChannelSchedule, []byte("sched"))
	go writeMessage(client, ChannelBinary, []byte("bin"))

	select {
	case msg := <-conn.Schedule():
		if string(msg.Payload) != "sched" {
			t.Fatalf("unexpected schedule payload: %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for schedule message")
	}

	stream := conn.BinaryStream()
	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if string(buf[:n]) != "bin" {
		t.Fatalf("unexpected binary payload: %q", buf[:n])
	}
	client.Close()
}

func TestGetScheduleRoundTrips(t *testing.T) {
	payload := EncodeGetSchedule(12345)
	m, err := DecodeScheduleMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != GetSchedule || m.CreationTimeMS != 12345 {
		t.Fatalf("unexpected decode: %+v", m)
	}
}

func TestScheduleMessageRoundTrips(t *testing.T) {
	payload := EncodeSchedule(6789, "gsn", "* * * * * PLUGIN noop hello\n")
	m, err := DecodeScheduleMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != ScheduleAvailable || m.CreationTimeMS != 6789 || m.Origin != "gsn" || m.Text != "* * * * * PLUGIN noop hello\n" {
		t.Fatalf("unexpected decode: %+v", m)
	}
}

func TestNoScheduleAvailableAndNoNewScheduleRoundTrip(t *testing.T) {
	m, err := DecodeScheduleMessage(EncodeNoScheduleAvailable())
	if err != nil || m.Type != NoScheduleAvailable {
		t.Fatalf("unexpected decode: %+v, err=%v", m, err)
	}
	m, err = DecodeScheduleMessage(EncodeNoNewSchedule())
	if err != nil || m.Type != NoNewSchedule {
		t.Fatalf("unexpected decode: %+v, err=%v", m, err)
	}
}
