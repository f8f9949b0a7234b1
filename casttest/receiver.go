package casttest

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/risa-org/castchannel/framer"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/message"
)

type receiverConfig struct {
	authNamespace string
	authError     bool
	noAuthReply   bool
	silent        bool
	echo          bool
	dropAfterAuth bool
}

// Option bends the receiver's behaviour.
type Option func(*receiverConfig)

// WithAuthReplyNamespace sends auth replies on ns instead of the device
// auth namespace.
func WithAuthReplyNamespace(ns string) Option {
	return func(c *receiverConfig) { c.authNamespace = ns }
}

// WithAuthError answers challenges with a receiver error.
func WithAuthError() Option {
	return func(c *receiverConfig) { c.authError = true }
}

// WithNoAuthReply never answers the challenge.
func WithNoAuthReply() Option {
	return func(c *receiverConfig) { c.noAuthReply = true }
}

// WithSilentHeartbeat never answers PINGs.
func WithSilentHeartbeat() Option {
	return func(c *receiverConfig) { c.silent = true }
}

// WithEcho sends every application message back with source and
// destination swapped.
func WithEcho() Option {
	return func(c *receiverConfig) { c.echo = true }
}

// WithDropAfterAuth closes the connection right after answering the
// challenge.
func WithDropAfterAuth() Option {
	return func(c *receiverConfig) { c.dropAfterAuth = true }
}

// Receiver is a TLS cast receiver on a loopback port.
type Receiver struct {
	pki *PKI
	cfg receiverConfig
	ln  net.Listener

	// Messages receives every application message (not auth, not
	// heartbeat). It is buffered; messages beyond its capacity are dropped.
	Messages chan *message.CastMessage

	pings      atomic.Int64
	challenges atomic.Int64
	closed     atomic.Bool

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

type conn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *conn) send(msg *message.CastMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return framer.WriteMessage(c.Conn, msg)
}

// NewReceiver starts serving on 127.0.0.1 with a random port.
func NewReceiver(pki *PKI, opts ...Option) (*Receiver, error) {
	cfg := receiverConfig{authNamespace: message.NamespaceDeviceAuth}
	for _, opt := range opts {
		opt(&cfg)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{pki.TLS},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		pki:      pki,
		cfg:      cfg,
		ln:       ln,
		Messages: make(chan *message.CastMessage, 64),
		conns:    make(map[*conn]struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Addr is the host:port to dial.
func (r *Receiver) Addr() string {
	return r.ln.Addr().String()
}

// Pings is the number of PINGs received so far.
func (r *Receiver) Pings() int {
	return int(r.pings.Load())
}

// Challenges is the number of auth challenges received so far.
func (r *Receiver) Challenges() int {
	return int(r.challenges.Load())
}

// Broadcast sends msg to every connected sender.
func (r *Receiver) Broadcast(msg *message.CastMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.send(msg)
	}
}

// DropConnections closes every live connection but keeps listening.
func (r *Receiver) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
}

// Close stops listening, drops every connection and waits for the
// serving goroutines to exit.
func (r *Receiver) Close() {
	r.closed.Store(true)
	r.ln.Close()
	r.DropConnections()
	r.wg.Wait()
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			return
		}
		c := &conn{Conn: nc}
		r.mu.Lock()
		if r.closed.Load() {
			r.mu.Unlock()
			nc.Close()
			return
		}
		r.conns[c] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(c)
	}
}

func (r *Receiver) serve(c *conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		c.Close()
	}()

	reader := framer.NewReader(c)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}

		switch msg.Namespace {
		case message.NamespaceDeviceAuth:
			r.challenges.Add(1)
			if !r.answerChallenge(c, msg) {
				return
			}
		case message.NamespaceHeartbeat:
			if message.HeartbeatType(msg) != message.HeartbeatPing {
				continue
			}
			r.pings.Add(1)
			if r.cfg.silent {
				continue
			}
			pong := message.NewString(message.NamespaceHeartbeat,
				msg.DestinationID, msg.SourceID, `{"type":"PONG"}`)
			if c.send(pong) != nil {
				return
			}
		default:
			select {
			case r.Messages <- msg:
			default:
			}
			if r.cfg.echo {
				reply := *msg
				reply.SourceID, reply.DestinationID = msg.DestinationID, msg.SourceID
				if c.send(&reply) != nil {
					return
				}
			}
		}
	}
}

// answerChallenge reports whether the connection should stay up.
func (r *Receiver) answerChallenge(c *conn, challenge *message.CastMessage) bool {
	if r.cfg.noAuthReply {
		return true
	}

	var reply *message.CastMessage
	if r.cfg.authError {
		reply = handshake.RespondError(challenge, handshake.AuthErrorInternal)
	} else {
		var err error
		reply, err = handshake.Respond(challenge, r.pki.Device, r.pki.TLSCert.Raw)
		if err != nil {
			reply = handshake.RespondError(challenge, handshake.AuthErrorInternal)
		}
	}
	reply.Namespace = r.cfg.authNamespace

	if c.send(reply) != nil {
		return false
	}
	return !r.cfg.dropAfterAuth
}
