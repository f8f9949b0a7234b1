// Package socket opens and owns one authenticated cast channel.
//
// A Socket dials the receiver, wraps the connection in TLS, runs the
// device-auth challenge over a transport and, once the reply verifies,
// hands the transport to its observers. Every method must be called on
// the Socket's runner; completions arrive there too.
package socket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/keepalive"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/telemetry"
	"github.com/risa-org/castchannel/transport"
	"github.com/risa-org/castchannel/transport/tcp"
)

// DefaultConnectTimeout bounds the whole connect sequence when OpenParams
// leaves it unset.
const DefaultConnectTimeout = 10 * time.Second

const tracerName = "github.com/risa-org/castchannel/socket"

// OpenParams describes the receiver to connect to.
type OpenParams struct {
	// Endpoint is the receiver's host:port.
	Endpoint string
	// ConnectTimeout bounds TCP, TLS and auth together.
	ConnectTimeout time.Duration
	// PingInterval and LivenessTimeout enable heartbeats when both are set.
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	// DeviceCapabilities is what discovery says the receiver can do.
	DeviceCapabilities channel.DeviceCapability
}

func (p OpenParams) keepAlive() bool {
	return p.PingInterval > 0 && p.LivenessTimeout > 0
}

// Observer receives traffic and failures once the channel is open.
type Observer interface {
	OnError(s *Socket, err channel.ChannelError)
	OnMessage(s *Socket, msg *message.CastMessage)
}

// Dialer opens the raw stream. *net.Dialer and the websocket relay dialer
// both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option customises a Socket.
type Option func(*Socket)

// WithDialer replaces the default TCP dialer.
func WithDialer(d Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

// WithTLSConfig replaces the default TLS client config. Certificate
// verification belongs to device auth, so InsecureSkipVerify is forced on.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Socket) { s.tlsConfig = cfg.Clone() }
}

// WithAuthenticator sets how challenge replies are verified.
func WithAuthenticator(a *handshake.Authenticator) Option {
	return func(s *Socket) { s.auth = a }
}

// WithLogger reports connect and channel events.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Socket) { s.logger = telemetry.OrNop(l) }
}

// WithTracer records one span per connect attempt.
func WithTracer(t trace.Tracer) Option {
	return func(s *Socket) { s.tracer = t }
}

// WithConnectTimer replaces the runner-backed connect timer, for tests.
func WithConnectTimer(t sequence.Timer) Option {
	return func(s *Socket) { s.connectTimer = t }
}

// WithKeepAliveTimers replaces the heartbeat timers, for tests.
func WithKeepAliveTimers(ping, liveness sequence.Timer) Option {
	return func(s *Socket) { s.pingTimer, s.livenessTimer = ping, liveness }
}

// WithAudioOnly starts the socket with the audio-only flag already latched,
// for receivers already known to be audio-only.
func WithAudioOnly() Option {
	return func(s *Socket) { s.audioOnly = true }
}

// Socket is one cast channel.
type Socket struct {
	id     int
	params OpenParams
	runner sequence.Runner

	dialer    Dialer
	tlsConfig *tls.Config
	auth      *handshake.Authenticator
	logger    telemetry.Logger
	tracer    trace.Tracer

	readyState   channel.ReadyState
	connectState ConnectState
	errorState   channel.ChannelError
	audioOnly    bool
	policy       handshake.ChannelPolicy

	connectCallbacks []func(channel.ChannelError)
	connectTimer     sequence.Timer
	connectCtx       context.Context
	cancelConnect    context.CancelFunc
	attempt          uint64 // bumped on teardown so stale completions are dropped
	attemptID        string
	span             trace.Span

	conn         net.Conn
	tlsConn      *tls.Conn
	peerCert     *x509.Certificate
	deviceCert   *x509.Certificate
	nonce        []byte
	tcpSocket    *tcp.Socket
	transport    *transport.Transport
	authDelegate *authDelegate

	pingTimer     sequence.Timer
	livenessTimer sequence.Timer
	keepAlive     *keepalive.Delegate

	observers []Observer
	connected time.Time
}

// New builds an unconnected socket. The keep-alive intervals are checked
// here so a bad configuration fails before any I/O.
func New(id int, params OpenParams, runner sequence.Runner, opts ...Option) (*Socket, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("socket %d: empty endpoint", id)
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = DefaultConnectTimeout
	}
	if params.keepAlive() {
		cfg := keepalive.Config{PingInterval: params.PingInterval, LivenessTimeout: params.LivenessTimeout}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("socket %d: %w", id, err)
		}
	}

	s := &Socket{
		id:     id,
		params: params,
		runner: runner,
		dialer: &net.Dialer{KeepAlive: 30 * time.Second},
		auth:   &handshake.Authenticator{},
		logger: telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	// Receivers present self-signed certificates. The peer certificate is
	// bound to the device by the auth signature instead.
	s.tlsConfig.InsecureSkipVerify = true
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.connectTimer == nil {
		s.connectTimer = sequence.NewTimer(runner)
	}
	return s, nil
}

// ID is the channel id.
func (s *Socket) ID() int { return s.id }

// Endpoint is the receiver address.
func (s *Socket) Endpoint() string { return s.params.Endpoint }

// Params returns the open parameters.
func (s *Socket) Params() OpenParams { return s.params }

// ReadyState is the lifecycle phase.
func (s *Socket) ReadyState() channel.ReadyState { return s.readyState }

// ConnectState is the current connect step.
func (s *Socket) ConnectState() ConnectState { return s.connectState }

// ErrorState is the first error recorded, or ErrorNone.
func (s *Socket) ErrorState() channel.ChannelError { return s.errorState }

// AudioOnly reports whether the audio-only restriction has latched.
func (s *Socket) AudioOnly() bool { return s.audioOnly }

// Policy is the channel policy carried by the device certificate.
func (s *Socket) Policy() handshake.ChannelPolicy { return s.policy }

// DeviceCert is the verified device certificate, nil before auth.
func (s *Socket) DeviceCert() *x509.Certificate { return s.deviceCert }

// KeepAliveEnabled reports whether heartbeats were configured.
func (s *Socket) KeepAliveEnabled() bool { return s.params.keepAlive() }

// ConnectedAt is when the channel opened, zero if it never did.
func (s *Socket) ConnectedAt() time.Time { return s.connected }

// Transport exposes the framed transport, nil before the TLS handshake.
func (s *Socket) Transport() *transport.Transport { return s.transport }

// AddObserver registers o. Adding the same observer twice is a no-op.
func (s *Socket) AddObserver(o Observer) {
	for _, existing := range s.observers {
		if existing == o {
			return
		}
	}
	s.observers = append(s.observers, o)
}

// RemoveObserver unregisters o.
func (s *Socket) RemoveObserver(o Observer) {
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// VerifyChannelPolicy checks a certificate policy against the receiver's
// advertised capabilities. An audio-only policy on a video-capable receiver
// is rejected and latches the audio-only flag; the flag never clears.
func (s *Socket) VerifyChannelPolicy(policy handshake.ChannelPolicy) bool {
	if policy == handshake.PolicyAudioOnly && s.params.DeviceCapabilities.Has(channel.CapabilityVideoOut) {
		s.audioOnly = true
		s.logger.LogEvent(s.id, telemetry.Event{
			Type:  telemetry.EventChannelPolicyEnforced,
			State: policy.String(),
		})
		return false
	}
	return true
}

// SendMessage queues msg on the open channel. done runs on the runner.
func (s *Socket) SendMessage(msg *message.CastMessage, done func(error)) {
	if s.readyState != channel.ReadyStateOpen {
		err := fmt.Errorf("%w: %w", transport.ErrSendFailed, channel.ErrorChannelNotOpen)
		s.runner.Post(func() { done(err) })
		return
	}
	s.transport.SendMessage(msg, done)
}

// Close tears the channel down. Pending connect callbacks fail with
// CHANNEL_NOT_OPEN unless an error was already recorded. done may be nil.
func (s *Socket) Close(done func()) {
	s.closeInternal()
	s.runConnectCallbacks()
	if done != nil {
		s.runner.Post(done)
	}
}

func (s *Socket) closeInternal() {
	if s.readyState == channel.ReadyStateClosed {
		return
	}
	if s.readyState != channel.ReadyStateNone {
		s.setReadyState(channel.ReadyStateClosing)
	}

	s.attempt++
	s.connectTimer.Stop()
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	if s.keepAlive != nil {
		s.keepAlive.Stop()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	switch {
	case s.tcpSocket != nil:
		s.tcpSocket.Close()
	case s.tlsConn != nil:
		s.tlsConn.Close()
	case s.conn != nil:
		s.conn.Close()
	}
	s.endSpan()

	s.setReadyState(channel.ReadyStateClosed)
}

func (s *Socket) setReadyState(state channel.ReadyState) {
	if s.readyState == state || !channel.CanTransition(s.readyState, state) {
		return
	}
	prev := s.readyState
	s.readyState = state
	s.logger.LogEvent(s.id, telemetry.Event{
		Type:     telemetry.EventReadyStateChanged,
		State:    state.String(),
		Previous: prev.String(),
	})
}

// setErrorState keeps the first error.
func (s *Socket) setErrorState(e channel.ChannelError) {
	if s.errorState != channel.ErrorNone || e == channel.ErrorNone {
		return
	}
	s.errorState = e
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventErrorStateChanged, State: e.String()})
}

func newAttemptID() string {
	return uuid.NewString()
}
