package tcp

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/framer"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/transport"
)

// chanDelegate forwards transport callbacks to channels so the test
// goroutine can wait on them.
type chanDelegate struct {
	messages chan *message.CastMessage
	errors   chan channel.ChannelError
}

func newChanDelegate() *chanDelegate {
	return &chanDelegate{
		messages: make(chan *message.CastMessage, 16),
		errors:   make(chan channel.ChannelError, 1),
	}
}

func (d *chanDelegate) Start() {}

func (d *chanDelegate) OnMessage(msg *message.CastMessage) { d.messages <- msg }

func (d *chanDelegate) OnError(err channel.ChannelError) { d.errors <- err }

// startPair wires a transport over one end of an in-memory pipe and hands
// back the raw other end. net.Pipe needs no ports, perfect for testing.
func startPair(t *testing.T) (*sequence.Loop, *transport.Transport, *Socket, *chanDelegate, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	loop := sequence.NewLoop()
	sock := New(local, loop)
	tr := transport.New(sock, 1, loop, nil)
	d := newChanDelegate()

	loop.Do(func() {
		tr.SetDelegate(d)
		tr.Start()
	})
	t.Cleanup(func() {
		sock.Close()
		remote.Close()
		loop.Stop()
	})
	return loop, tr, sock, d, remote
}

func TestSendReachesPeer(t *testing.T) {
	loop, tr, _, _, remote := startPair(t)

	sent := make(chan error, 1)
	msg := message.NewString("urn:x-cast:com.example.test", "sender-1", "receiver-1", "hello from client")
	loop.Do(func() {
		tr.SendMessage(msg, func(err error) { sent <- err })
	})

	got, err := framer.NewReader(remote).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.StringPayload() != "hello from client" {
		t.Errorf("expected payload 'hello from client', got '%s'", got.StringPayload())
	}

	select {
	case err := <-sent:
		if err != nil {
			t.Errorf("send callback reported %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send callback")
	}
}

func TestMultipleMessagesArriveInOrder(t *testing.T) {
	_, _, _, d, remote := startPair(t)

	go func() {
		for i := 0; i < 5; i++ {
			msg := message.NewString("urn:x-cast:com.example.test", "receiver-1", "sender-1", string(rune('a'+i)))
			if err := framer.WriteMessage(remote, msg); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		select {
		case msg := <-d.messages:
			if want := string(rune('a' + i)); msg.StringPayload() != want {
				t.Errorf("expected payload %q, got %q", want, msg.StringPayload())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestPeerCloseIsSocketError(t *testing.T) {
	_, _, _, d, remote := startPair(t)

	// close remote, the transport should detect this
	remote.Close()

	select {
	case err := <-d.errors:
		if err != channel.ErrorSocket {
			t.Errorf("expected SOCKET_ERROR, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, _, sock, _, _ := startPair(t)

	// closing multiple times should not panic
	sock.Close()
	sock.Close()
	sock.Close()
}

func TestIOOnClosedSocketFails(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	sock := New(local, &sequence.ManualRunner{})
	sock.Close()

	if _, err := sock.Write([]byte("test"), nil); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("expected ErrSocketClosed on write, got %v", err)
	}
	if _, err := sock.Read(make([]byte, 4), nil); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("expected ErrSocketClosed on read, got %v", err)
	}
}

func TestSetBufferSizesIgnoresNonTCPConn(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	if err := New(local, &sequence.ManualRunner{}).SetBufferSizes(1<<16, 1<<16); err != nil {
		t.Errorf("expected nil for a pipe conn, got %v", err)
	}
}
