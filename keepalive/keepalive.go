// Package keepalive wraps a channel delegate with heartbeat handling.
//
// While started, a PING goes out every ping interval, and any inbound
// message proves the receiver is alive and pushes both deadlines back. If
// nothing arrives for the liveness timeout the channel fails with
// PING_TIMEOUT. Heartbeat traffic is answered and consumed here; every
// other message and every error passes through to the wrapped delegate.
package keepalive

import (
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/telemetry"
	"github.com/risa-org/castchannel/transport"
)

// MessageSender queues heartbeats. The transport itself qualifies.
type MessageSender interface {
	SendMessage(msg *message.CastMessage, done func(error))
}

// Config holds the two heartbeat intervals.
type Config struct {
	// PingInterval is how long the channel may be idle before a PING.
	PingInterval time.Duration
	// LivenessTimeout is how long silence is tolerated before the channel
	// is declared dead. Must exceed PingInterval.
	LivenessTimeout time.Duration
}

// ErrInvalidConfig is returned for intervals that cannot work.
var ErrInvalidConfig = errors.New("invalid keep-alive config")

// Validate reports intervals that cannot work.
func (c Config) Validate() error {
	if c.PingInterval <= 0 || c.LivenessTimeout <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.PingInterval >= c.LivenessTimeout {
		return fmt.Errorf("%w: ping interval %v must be shorter than liveness timeout %v",
			ErrInvalidConfig, c.PingInterval, c.LivenessTimeout)
	}
	return nil
}

// Option customises a Delegate.
type Option func(*Delegate)

// WithTimers replaces the runner-backed timers, for tests.
func WithTimers(ping, liveness sequence.Timer) Option {
	return func(d *Delegate) {
		d.pingTimer = ping
		d.livenessTimer = liveness
	}
}

// WithLogger reports heartbeat events under channelID.
func WithLogger(channelID int, logger telemetry.Logger) Option {
	return func(d *Delegate) {
		d.channelID = channelID
		d.logger = telemetry.OrNop(logger)
	}
}

// Delegate is a transport.Delegate that adds heartbeats to inner.
// All methods run on the channel's runner.
type Delegate struct {
	sender    MessageSender
	inner     transport.Delegate
	cfg       Config
	channelID int
	logger    telemetry.Logger

	pingTimer     sequence.Timer
	livenessTimer sequence.Timer
	started       bool
}

// New wraps inner. Heartbeats are sent through sender; timers post to runner.
func New(sender MessageSender, inner transport.Delegate, runner sequence.Runner, cfg Config, opts ...Option) (*Delegate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Delegate{
		sender: sender,
		inner:  inner,
		cfg:    cfg,
		logger: telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pingTimer == nil {
		d.pingTimer = sequence.NewRepeatingTimer(runner)
	}
	if d.livenessTimer == nil {
		d.livenessTimer = sequence.NewRepeatingTimer(runner)
	}
	return d, nil
}

// Start arms both timers and then starts the inner delegate.
func (d *Delegate) Start() {
	d.resetTimers()
	d.inner.Start()
}

// OnError forwards err and stops the heartbeat.
func (d *Delegate) OnError(err channel.ChannelError) {
	d.inner.OnError(err)
	d.Stop()
}

// OnMessage treats msg as proof of life, answers PINGs, swallows PONGs and
// forwards everything else.
func (d *Delegate) OnMessage(msg *message.CastMessage) {
	if d.started {
		d.resetTimers()
	}

	switch message.HeartbeatType(msg) {
	case message.HeartbeatPing:
		d.send(message.HeartbeatPong)
	case message.HeartbeatPong:
	default:
		d.inner.OnMessage(msg)
	}
}

// Stop disarms both timers. A fire already in flight is ignored.
func (d *Delegate) Stop() {
	if !d.started {
		return
	}
	d.started = false
	d.pingTimer.Stop()
	d.livenessTimer.Stop()
}

// Started reports whether heartbeats are running.
func (d *Delegate) Started() bool {
	return d.started
}

func (d *Delegate) resetTimers() {
	if d.started {
		d.pingTimer.Reset()
		d.livenessTimer.Reset()
		return
	}
	d.started = true
	d.pingTimer.Start(d.cfg.PingInterval, d.onPingTimer)
	d.livenessTimer.Start(d.cfg.LivenessTimeout, d.onLivenessTimeout)
}

func (d *Delegate) onPingTimer() {
	if !d.started {
		return
	}
	d.send(message.HeartbeatPing)
}

func (d *Delegate) onLivenessTimeout() {
	if !d.started {
		return
	}
	d.logger.LogEvent(d.channelID, telemetry.Event{Type: telemetry.EventPingTimeout})
	d.inner.OnError(channel.ErrorPingTimeout)
	d.Stop()
}

func (d *Delegate) send(kind string) {
	ev := telemetry.EventPingSent
	if kind == message.HeartbeatPong {
		ev = telemetry.EventPongSent
	}
	d.logger.LogEvent(d.channelID, telemetry.Event{Type: ev, Namespace: message.NamespaceHeartbeat})

	d.sender.SendMessage(message.NewHeartbeat(kind), func(err error) {
		if err == nil || !d.started {
			return
		}
		d.logger.LogEvent(d.channelID, telemetry.Event{
			Type:      telemetry.EventSocketWriteFailed,
			Namespace: message.NamespaceHeartbeat,
			Err:       err,
		})
		d.inner.OnError(channel.ErrorSocket)
		d.Stop()
	})
}
