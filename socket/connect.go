package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/keepalive"
	"github.com/risa-org/castchannel/telemetry"
	"github.com/risa-org/castchannel/transport"
	"github.com/risa-org/castchannel/transport/tcp"
)

// ConnectState is one step of the connect sequence.
type ConnectState int

const (
	ConnectNone ConnectState = iota
	ConnectTCPConnect
	ConnectTCPConnectComplete
	ConnectTLSConnect
	ConnectTLSConnectComplete
	ConnectAuthChallengeSend
	ConnectAuthChallengeSendComplete
	ConnectAuthChallengeReplyComplete
	ConnectFinished
	ConnectUnknown
)

var connectStateNames = map[ConnectState]string{
	ConnectNone:                       "NONE",
	ConnectTCPConnect:                 "TCP_CONNECT",
	ConnectTCPConnectComplete:         "TCP_CONNECT_COMPLETE",
	ConnectTLSConnect:                 "TLS_CONNECT",
	ConnectTLSConnectComplete:         "TLS_CONNECT_COMPLETE",
	ConnectAuthChallengeSend:          "AUTH_CHALLENGE_SEND",
	ConnectAuthChallengeSendComplete:  "AUTH_CHALLENGE_SEND_COMPLETE",
	ConnectAuthChallengeReplyComplete: "AUTH_CHALLENGE_REPLY_COMPLETE",
	ConnectFinished:                   "FINISHED",
	ConnectUnknown:                    "UNKNOWN",
}

func (s ConnectState) String() string {
	if name, ok := connectStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ConnectState(%d)", int(s))
}

var errNoPeerCert = errors.New("tls handshake produced no peer certificate")

// Connect starts the connect sequence, or joins it if one is running.
// done runs exactly once on the runner with ErrorNone when the channel is
// open, or with the reason it is not.
func (s *Socket) Connect(done func(channel.ChannelError)) {
	switch s.readyState {
	case channel.ReadyStateNone:
		s.connectCallbacks = append(s.connectCallbacks, done)
		s.beginConnect()
	case channel.ReadyStateConnecting:
		s.connectCallbacks = append(s.connectCallbacks, done)
	default:
		result := s.connectResult()
		s.runner.Post(func() { done(result) })
	}
}

func (s *Socket) beginConnect() {
	s.attemptID = newAttemptID()
	s.connectCtx, s.cancelConnect = context.WithCancel(context.Background())
	_, s.span = s.tracer.Start(s.connectCtx, "cast.connect", trace.WithAttributes(
		attribute.Int("cast.channel_id", s.id),
		attribute.String("cast.endpoint", s.params.Endpoint),
		attribute.String("cast.attempt_id", s.attemptID),
	))

	s.setReadyState(channel.ReadyStateConnecting)
	s.setConnectState(ConnectTCPConnect)
	s.connectTimer.Start(s.params.ConnectTimeout, s.onConnectTimeout)
	s.doConnectLoop(nil)
}

// doConnectLoop advances the sequence until a step goes asynchronous or the
// sequence finishes. result is the outcome of the step that just completed.
func (s *Socket) doConnectLoop(result error) {
	for {
		state := s.connectState
		s.connectState = ConnectUnknown
		switch state {
		case ConnectTCPConnect:
			result = s.doTCPConnect()
		case ConnectTCPConnectComplete:
			result = s.doTCPConnectComplete(result)
		case ConnectTLSConnect:
			result = s.doTLSConnect()
		case ConnectTLSConnectComplete:
			result = s.doTLSConnectComplete(result)
		case ConnectAuthChallengeSend:
			result = s.doAuthChallengeSend()
		case ConnectAuthChallengeSendComplete:
			result = s.doAuthChallengeSendComplete(result)
		case ConnectAuthChallengeReplyComplete:
			result = s.doAuthChallengeReplyComplete()
		default:
			panic(fmt.Sprintf("socket %d: connect loop in state %v", s.id, state))
		}

		if errors.Is(result, transport.ErrIOPending) {
			return
		}
		if s.connectState == ConnectFinished {
			break
		}
	}
	s.finishConnect(result)
}

// resume continues the loop for a completion that belongs to attempt.
func (s *Socket) resume(attempt uint64, result error) {
	if attempt != s.attempt || s.readyState != channel.ReadyStateConnecting {
		return
	}
	s.doConnectLoop(result)
}

func (s *Socket) doTCPConnect() error {
	s.setConnectState(ConnectTCPConnectComplete)
	ctx, attempt, dialer, endpoint := s.connectCtx, s.attempt, s.dialer, s.params.Endpoint
	go func() {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		posted := s.runner.Post(func() {
			if attempt != s.attempt {
				if conn != nil {
					conn.Close()
				}
				return
			}
			s.conn = conn
			s.resume(attempt, err)
		})
		if !posted && conn != nil {
			conn.Close()
		}
	}()
	return transport.ErrIOPending
}

func (s *Socket) doTCPConnectComplete(result error) error {
	if result != nil {
		s.fail(connectError(result, channel.ErrorConnect), result)
		return result
	}
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventTCPConnected})
	s.setConnectState(ConnectTLSConnect)
	return nil
}

func (s *Socket) doTLSConnect() error {
	s.setConnectState(ConnectTLSConnectComplete)
	cfg := s.tlsConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(s.params.Endpoint); err == nil {
			cfg.ServerName = host
		}
	}
	s.tlsConn = tls.Client(s.conn, cfg)

	ctx, attempt, conn := s.connectCtx, s.attempt, s.tlsConn
	go func() {
		err := conn.HandshakeContext(ctx)
		s.runner.Post(func() { s.resume(attempt, err) })
	}()
	return transport.ErrIOPending
}

func (s *Socket) doTLSConnectComplete(result error) error {
	if result != nil {
		s.fail(connectError(result, channel.ErrorAuthentication), result)
		return result
	}
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventTLSConnected})

	peers := s.tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		s.fail(channel.ErrorAuthentication, errNoPeerCert)
		return errNoPeerCert
	}
	s.peerCert = peers[0]
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventPeerCertExtracted})
	s.setConnectState(ConnectAuthChallengeSend)
	return nil
}

func (s *Socket) doAuthChallengeSend() error {
	nonce, err := handshake.NewNonce()
	if err != nil {
		s.fail(channel.ErrorAuthentication, err)
		return err
	}
	s.nonce = nonce

	s.tcpSocket = tcp.New(s.tlsConn, s.runner)
	s.transport = transport.New(s.tcpSocket, s.id, s.runner, s.logger)
	s.authDelegate = &authDelegate{s: s, attempt: s.attempt}
	s.transport.SetDelegate(s.authDelegate)

	s.setConnectState(ConnectAuthChallengeSendComplete)
	attempt := s.attempt
	s.transport.SendMessage(handshake.CreateChallenge(nonce), func(err error) {
		s.resume(attempt, err)
	})
	return transport.ErrIOPending
}

func (s *Socket) doAuthChallengeSendComplete(result error) error {
	if result != nil {
		s.fail(channel.ErrorSocket, result)
		return result
	}
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventAuthChallengeSent})
	s.setConnectState(ConnectAuthChallengeReplyComplete)
	s.transport.Start()
	return transport.ErrIOPending
}

func (s *Socket) doAuthChallengeReplyComplete() error {
	d := s.authDelegate
	if d.err != channel.ErrorNone {
		s.fail(d.err, d.err)
		return d.err
	}

	result, err := s.auth.VerifyReply(d.reply, s.peerCert, s.nonce)
	if err != nil {
		code := channel.ErrorAuthentication
		var herr *handshake.Error
		if errors.As(err, &herr) {
			code = herr.ChannelError
		}
		s.fail(code, err)
		return err
	}
	s.deviceCert = result.DeviceCert
	s.policy = result.Policy
	if !s.VerifyChannelPolicy(result.Policy) {
		err := fmt.Errorf("%w: %v policy on a video capable receiver", channel.ErrorAuthentication, result.Policy)
		s.fail(channel.ErrorAuthentication, err)
		return err
	}

	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventAuthChallengeReplied})
	s.setConnectState(ConnectFinished)
	return nil
}

// fail records a connect failure and ends the sequence.
func (s *Socket) fail(code channel.ChannelError, cause error) {
	if code == channel.ErrorAuthentication || code == channel.ErrorTransport {
		s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventAuthFailed, Err: cause})
	}
	s.setErrorState(code)
	if s.span != nil {
		s.span.RecordError(cause)
	}
	s.setConnectState(ConnectFinished)
}

func (s *Socket) finishConnect(result error) {
	s.connectTimer.Stop()
	if s.cancelConnect != nil {
		s.cancelConnect()
	}

	if result == nil && s.errorState == channel.ErrorNone {
		s.open()
	} else {
		s.closeInternal()
	}
	s.runConnectCallbacks()
}

// open swaps the auth delegate for the observer fan-out and starts
// heartbeats. An error the transport hit while auth was finishing is
// delivered to observers straight away.
func (s *Socket) open() {
	s.setReadyState(channel.ReadyStateOpen)
	s.connected = time.Now()
	s.endSpan()

	var d transport.Delegate = &observerDelegate{s: s}
	if s.params.keepAlive() {
		opts := []keepalive.Option{keepalive.WithLogger(s.id, s.logger)}
		if s.pingTimer != nil {
			opts = append(opts, keepalive.WithTimers(s.pingTimer, s.livenessTimer))
		}
		ka, err := keepalive.New(s.transport, d, s.runner, keepalive.Config{
			PingInterval:    s.params.PingInterval,
			LivenessTimeout: s.params.LivenessTimeout,
		}, opts...)
		if err == nil {
			s.keepAlive = ka
			d = ka
		}
	}
	s.transport.SetDelegate(d)

	if e := s.transport.ErrorState(); e != channel.ErrorNone {
		d.OnError(e)
	}
}

func (s *Socket) onConnectTimeout() {
	if s.readyState != channel.ReadyStateConnecting {
		return
	}
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventConnectTimeout})
	s.setErrorState(channel.ErrorConnectTimeout)
	if s.span != nil {
		s.span.RecordError(channel.ErrorConnectTimeout)
	}
	s.setConnectState(ConnectFinished)
	s.closeInternal()
	s.notifyError(channel.ErrorConnectTimeout)
	s.runConnectCallbacks()
}

func (s *Socket) connectResult() channel.ChannelError {
	if s.errorState != channel.ErrorNone {
		return s.errorState
	}
	if s.readyState != channel.ReadyStateOpen {
		return channel.ErrorChannelNotOpen
	}
	return channel.ErrorNone
}

func (s *Socket) runConnectCallbacks() {
	if len(s.connectCallbacks) == 0 {
		return
	}
	callbacks := s.connectCallbacks
	s.connectCallbacks = nil
	result := s.connectResult()
	for _, cb := range callbacks {
		s.runner.Post(func() { cb(result) })
	}
}

func (s *Socket) setConnectState(state ConnectState) {
	if s.connectState == state {
		return
	}
	s.connectState = state
	s.logger.LogEvent(s.id, telemetry.Event{Type: telemetry.EventConnectStateChanged, State: state.String()})
	if s.span != nil {
		s.span.AddEvent(state.String())
	}
}

func (s *Socket) endSpan() {
	if s.span == nil {
		return
	}
	if s.errorState != channel.ErrorNone {
		s.span.SetStatus(codes.Error, s.errorState.String())
	} else if s.readyState == channel.ReadyStateOpen {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
	s.span = nil
}

// connectError maps a dial or handshake failure, keeping timeouts distinct.
func connectError(err error, fallback channel.ChannelError) channel.ChannelError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return channel.ErrorConnectTimeout
	}
	return fallback
}
