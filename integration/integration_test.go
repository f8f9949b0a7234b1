package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/castchannel/casttest"
	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/registry"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/socket"
	"github.com/risa-org/castchannel/store/file"
	"github.com/risa-org/castchannel/transport"
	"github.com/risa-org/castchannel/transport/sender"
	"github.com/risa-org/castchannel/transport/websocket"
)

const testNamespace = "urn:x-cast:com.example.integration"

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

type observer struct {
	errors   chan channel.ChannelError
	messages chan *message.CastMessage
}

func newObserver() *observer {
	return &observer{
		errors:   make(chan channel.ChannelError, 4),
		messages: make(chan *message.CastMessage, 16),
	}
}

func (o *observer) OnError(_ *socket.Socket, err channel.ChannelError) { o.errors <- err }

func (o *observer) OnMessage(_ *socket.Socket, msg *message.CastMessage) { o.messages <- msg }

type env struct {
	t    *testing.T
	pki  *casttest.PKI
	loop *sequence.Loop
}

func newEnv(t *testing.T, opts ...casttest.PKIOption) *env {
	t.Helper()
	pki, err := casttest.NewPKI(opts...)
	if err != nil {
		t.Fatalf("failed to generate PKI: %v", err)
	}
	loop := sequence.NewLoop()
	t.Cleanup(loop.Stop)
	return &env{t: t, pki: pki, loop: loop}
}

func (e *env) receiver(opts ...casttest.Option) *casttest.Receiver {
	e.t.Helper()
	rx, err := casttest.NewReceiver(e.pki, opts...)
	if err != nil {
		e.t.Fatalf("failed to start receiver: %v", err)
	}
	e.t.Cleanup(rx.Close)
	return rx
}

func (e *env) registry(opts ...registry.Option) *registry.Registry {
	auth := &handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: e.pki.Roots}}
	reg := registry.New(e.loop, append([]registry.Option{
		registry.WithSocketOptions(socket.WithAuthenticator(auth)),
	}, opts...)...)
	e.t.Cleanup(func() { e.loop.Do(reg.CloseAll) })
	return reg
}

// open connects through reg and fails the test unless want comes back.
func (e *env) open(reg *registry.Registry, params socket.OpenParams, obs socket.Observer, want channel.ChannelError, opts ...socket.Option) *socket.Socket {
	e.t.Helper()
	results := make(chan channel.ChannelError, 1)
	var s *socket.Socket
	var err error
	e.loop.Do(func() {
		s, err = reg.Open(params, func(_ *socket.Socket, r channel.ChannelError) { results <- r }, opts...)
		if err == nil && obs != nil {
			s.AddObserver(obs)
		}
	})
	if err != nil {
		e.t.Fatalf("open failed: %v", err)
	}
	select {
	case got := <-results:
		if got != want {
			e.t.Fatalf("expected connect result %v, got %v", want, got)
		}
	case <-time.After(5 * time.Second):
		e.t.Fatal("timed out waiting for connect")
	}
	return s
}

func waitError(t *testing.T, obs *observer) channel.ChannelError {
	t.Helper()
	select {
	case err := <-obs.errors:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a channel error")
		return channel.ErrorUnknown
	}
}

// ------------------------------------------------------------
// Tests
// ------------------------------------------------------------

func TestFullChannelLifecycle(t *testing.T) {
	e := newEnv(t)
	rx := e.receiver(casttest.WithEcho())
	reg := e.registry()
	obs := newObserver()

	s := e.open(reg, socket.OpenParams{
		Endpoint:        rx.Addr(),
		PingInterval:    time.Second,
		LivenessTimeout: 3 * time.Second,
	}, obs, channel.ErrorNone)

	snd := sender.New(s, e.loop, "sender-it")
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		msg := message.NewString(testNamespace, "sender-it", "receiver-0", fmt.Sprintf("msg-%d", i))
		if err := snd.Send(ctx, msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i := 1; i <= 3; i++ {
		select {
		case msg := <-obs.messages:
			want := fmt.Sprintf("msg-%d", i)
			if msg.StringPayload() != want {
				t.Errorf("echo %d: expected %q, got %q", i, want, msg.StringPayload())
			}
			if msg.DestinationID != "sender-it" {
				t.Errorf("echo %d: expected destination sender-it, got %s", i, msg.DestinationID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for echo %d", i)
		}
	}

	closed := make(chan struct{})
	e.loop.Do(func() { s.Close(func() { close(closed) }) })
	<-closed

	var state channel.ReadyState
	e.loop.Do(func() { state = s.ReadyState() })
	if state != channel.ReadyStateClosed {
		t.Errorf("expected CLOSED, got %v", state)
	}
	if err := snd.Send(ctx, message.NewString(testNamespace, "sender-it", "receiver-0", "late")); !errors.Is(err, channel.ErrorChannelNotOpen) {
		t.Errorf("expected CHANNEL_NOT_OPEN after close, got %v", err)
	}
}

func TestChannelThroughWebsocketRelay(t *testing.T) {
	e := newEnv(t)
	rx := e.receiver(casttest.WithEcho())
	relay := httptest.NewServer(&websocket.Handler{})
	t.Cleanup(relay.Close)

	reg := e.registry(registry.WithSocketOptions(
		socket.WithDialer(&websocket.Dialer{URL: "ws" + strings.TrimPrefix(relay.URL, "http")}),
	))
	obs := newObserver()
	s := e.open(reg, socket.OpenParams{Endpoint: rx.Addr()}, obs, channel.ErrorNone)

	snd := sender.New(s, e.loop, "sender-relay")
	if _, err := snd.SendJSON(context.Background(), testNamespace, "receiver-0", map[string]any{"type": "PING_APP"}); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}

	select {
	case msg := <-obs.messages:
		if !strings.Contains(msg.StringPayload(), `"requestId":1`) {
			t.Errorf("expected requestId 1 in echo, got %s", msg.StringPayload())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo through relay")
	}
}

func TestHeartbeatDetectsSilentReceiver(t *testing.T) {
	e := newEnv(t)
	healthy := e.receiver()
	silent := e.receiver(casttest.WithSilentHeartbeat())
	reg := e.registry()

	params := socket.OpenParams{PingInterval: 20 * time.Millisecond, LivenessTimeout: 150 * time.Millisecond}

	params.Endpoint = healthy.Addr()
	healthyObs := newObserver()
	e.open(reg, params, healthyObs, channel.ErrorNone)

	params.Endpoint = silent.Addr()
	silentObs := newObserver()
	e.open(reg, params, silentObs, channel.ErrorNone)

	if err := waitError(t, silentObs); err != channel.ErrorPingTimeout {
		t.Errorf("expected PING_TIMEOUT from silent receiver, got %v", err)
	}
	select {
	case err := <-healthyObs.errors:
		t.Errorf("healthy channel failed: %v", err)
	default:
	}
	if healthy.Pings() == 0 {
		t.Error("expected the healthy receiver to have seen PINGs")
	}
}

func TestPeerDropFailsChannelAndSends(t *testing.T) {
	e := newEnv(t)
	rx := e.receiver()
	reg := e.registry()
	obs := newObserver()
	s := e.open(reg, socket.OpenParams{Endpoint: rx.Addr()}, obs, channel.ErrorNone)

	rx.DropConnections()

	if err := waitError(t, obs); err != channel.ErrorSocket {
		t.Errorf("expected SOCKET_ERROR, got %v", err)
	}
	err := sender.New(s, e.loop, "sender-it").Send(context.Background(),
		message.NewString(testNamespace, "sender-it", "receiver-0", "after drop"))
	if !errors.Is(err, transport.ErrSendFailed) {
		t.Errorf("expected send to fail after drop, got %v", err)
	}
}

func TestAudioOnlyLatchSurvivesRestart(t *testing.T) {
	e := newEnv(t, casttest.AudioOnly())
	rx := e.receiver()
	path := filepath.Join(t.TempDir(), "devices.cbor")

	devices1, err := file.New(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	reg1 := e.registry(registry.WithStore(devices1))
	e.open(reg1, socket.OpenParams{
		Endpoint:           rx.Addr(),
		DeviceCapabilities: channel.CapabilityVideoOut,
	}, nil, channel.ErrorAuthentication)

	// simulate restart
	devices2, err := file.New(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	rec, ok := devices2.Get(rx.Addr())
	if !ok {
		t.Fatal("expected device record to survive restart")
	}
	if !rec.AudioOnly {
		t.Error("expected audio-only latch in persisted record")
	}

	reg2 := e.registry(registry.WithStore(devices2))
	s := e.open(reg2, socket.OpenParams{Endpoint: rx.Addr(), DeviceCapabilities: channel.CapabilityAudioOut}, nil, channel.ErrorNone)

	var audioOnly bool
	e.loop.Do(func() { audioOnly = s.AudioOnly() })
	if !audioOnly {
		t.Error("expected channel to start latched audio-only")
	}
}
