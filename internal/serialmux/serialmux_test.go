package serialmux

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rallie-app/rallie/internal/protocol"
)

// shortWritePort accepts one byte less than it is given.
type shortWritePort struct{ FakePort }

func (p *shortWritePort) Write(b []byte) (int, error) {
	return len(b) - 1, nil
}

func recvFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewFakePort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == id2 {
		t.Fatal("subscription IDs should be unique")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("subscriber id %q is not a uuid: %v", id1, err)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	mux.Unsubscribe("non-existent-id")

	mux.subscriberMu.Lock()
	n := len(mux.subscribers)
	mux.subscriberMu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
}

func TestSerialMux_SendFrameAndCommand(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port)

	cmd := protocol.Command{UpperWheelSpeed: 70, LowerWheelSpeed: 70, PitchAngle: 30, YawAngle: 20, FeedSpeed: 60, ControlBit: 1}
	if err := mux.SendFrame(protocol.Encode(cmd).Bytes()); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := mux.SendCommand("LEFT"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("RIGHT\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	written := port.Written()
	if !bytes.HasPrefix(written, []byte{0x5A, 0xA5, 0x83, 70, 70, 30, 20, 60, 1, 0x4B}) {
		t.Errorf("frame not written verbatim: % x", written)
	}
	if !bytes.HasSuffix(written, []byte("LEFT\nRIGHT\n")) {
		t.Errorf("text commands not newline terminated: %q", written[10:])
	}
	got := port.WrittenCommands()
	if len(got) != 1 || got[0] != cmd {
		t.Errorf("WrittenCommands() = %v, want [%v]", got, cmd)
	}

	if err := mux.SendFrame(nil); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("SendFrame(nil) = %v, want ErrWriteFailed", err)
	}
}

func TestSerialMux_WriteErrors(t *testing.T) {
	port := NewFakePort()
	port.WriteError = errors.New("device unplugged")
	mux := NewSerialMux(port)
	if err := mux.SendFrame([]byte{1}); err == nil || err.Error() != "device unplugged" {
		t.Errorf("expected port error, got %v", err)
	}

	short := NewSerialMux(&shortWritePort{})
	if err := short.SendCommand("CENTER"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write = %v, want ErrWriteFailed", err)
	}
}

func TestSerialMux_MonitorFansOutFrames(t *testing.T) {
	port := NewFakePort()
	port.QueueBytes([]byte{0x00, 0x01})
	port.QueueResponse(1)
	port.QueueBytes([]byte{0x5A, 0xA5, 0x82, 0x02, 0x00}) // bad checksum
	port.QueueBytes([]byte{0x5A, 0xA5, 0x00})             // header with the wrong source
	port.QueueResponse(2)

	mux := NewSerialMux(port)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor returned %v at EOF", err)
	}

	for _, ch := range []chan []byte{ch1, ch2} {
		want := [][]byte{
			protocol.EncodeResponse(1).Bytes(),
			protocol.EncodeResponse(2).Bytes(),
		}
		for i, w := range want {
			if got := recvFrame(t, ch); !bytes.Equal(got, w) {
				t.Errorf("frame %d = % x, want % x", i, got, w)
			}
		}
	}
}

func TestSerialMux_MonitorContextCancel(t *testing.T) {
	port := NewFakePort()
	port.BlockReads = true
	mux := NewSerialMux(port)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewFakePort()
	port.ReadError = errors.New("framing error")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || err.Error() != "framing error" {
		t.Errorf("Monitor = %v, want framing error", err)
	}
}

func TestSerialMux_CloseStopsMonitor(t *testing.T) {
	port := NewFakePort()
	port.BlockReads = true
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	port.QueueResponse(2)
	if got := recvFrame(t, ch); !bytes.Equal(got, protocol.EncodeResponse(2).Bytes()) {
		t.Errorf("got % x", got)
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor after Close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}
