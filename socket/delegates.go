package socket

import (
	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/message"
)

// authDelegate owns the transport until the challenge reply arrives. The
// first message or error decides the outcome; the loop is resumed from a
// fresh task so the transport's read loop is never re-entered.
type authDelegate struct {
	s       *Socket
	attempt uint64
	done    bool
	reply   *message.CastMessage
	err     channel.ChannelError
}

func (d *authDelegate) Start() {}

func (d *authDelegate) OnError(err channel.ChannelError) {
	if d.done {
		return
	}
	d.done = true
	d.err = err
	d.resume()
}

func (d *authDelegate) OnMessage(msg *message.CastMessage) {
	if d.done {
		return
	}
	d.done = true
	if msg.Namespace != message.NamespaceDeviceAuth {
		d.err = channel.ErrorTransport
	}
	d.reply = msg
	d.resume()
}

// resume only continues a loop that is waiting for the reply. A write
// error seen here during the send step is reported by the send callback.
func (d *authDelegate) resume() {
	s, attempt := d.s, d.attempt
	s.runner.Post(func() {
		if s.connectState != ConnectAuthChallengeReplyComplete {
			return
		}
		s.resume(attempt, nil)
	})
}

// observerDelegate fans an open channel out to the socket's observers.
// A transport error closes the socket before anyone hears about it.
type observerDelegate struct {
	s *Socket
}

func (d *observerDelegate) Start() {}

func (d *observerDelegate) OnError(err channel.ChannelError) {
	s := d.s
	if s.readyState == channel.ReadyStateClosed {
		return
	}
	s.setErrorState(err)
	s.closeInternal()
	s.notifyError(err)
}

func (d *observerDelegate) OnMessage(msg *message.CastMessage) {
	for _, o := range d.s.snapshotObservers() {
		o.OnMessage(d.s, msg)
	}
}

func (s *Socket) notifyError(err channel.ChannelError) {
	for _, o := range s.snapshotObservers() {
		o.OnError(s, err)
	}
}

// snapshotObservers lets an observer remove itself while being notified.
func (s *Socket) snapshotObservers() []Observer {
	return append([]Observer(nil), s.observers...)
}
