// Package websocket tunnels cast channel byte streams over WebSocket.
//
// A cast receiver only speaks TLS over raw TCP. When the sender cannot
// reach it directly (different network, browser sandbox, port policy), a
// relay next to the receiver accepts a WebSocket and splices it onto a TCP
// connection to the receiver. The sender dials the relay with Dialer and
// gets back an ordinary net.Conn, so TLS, framing and the transport run
// over the tunnel unchanged.
//
// WebSocket already has message boundaries, but cast framing is carried
// inside the TLS stream, so the tunnel is a plain byte stream of binary
// frames.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"

	"github.com/risa-org/castchannel/framer"
)

// AddrParam is the query parameter naming the TCP target of a tunnel.
const AddrParam = "addr"

// readLimit bounds a single WebSocket frame. Copy buffers are smaller, so
// this only guards against a misbehaving peer.
const readLimit = 2 * framer.MaxMessageSize

// Dialer opens tunnels through a relay. It satisfies the dialer interface
// the cast socket uses for TCP.
type Dialer struct {
	// URL of the relay endpoint, e.g. ws://relay.local:8080/tunnel.
	URL string

	// HTTPClient is used for the upgrade request. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// DialContext asks the relay to connect to addr and returns the tunnel.
// ctx bounds the upgrade only; the returned conn lives until closed.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("websocket relay: unsupported network %q", network)
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("websocket relay: bad url: %w", err)
	}
	q := u.Query()
	q.Set(AddrParam, addr)
	u.RawQuery = q.Encode()

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket relay: dial %s: %w", addr, err)
	}
	c.SetReadLimit(readLimit)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Handler is the relay side. Each accepted WebSocket is spliced onto a
// fresh TCP connection to the address in its AddrParam.
type Handler struct {
	// Dial connects to the target. Nil means a zero net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Allow, if set, vets targets before dialing.
	Allow func(addr string) bool

	Logger *slog.Logger
}

// ErrTargetRejected is logged when Allow refuses a target.
var ErrTargetRejected = errors.New("relay target not allowed")

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	addr := r.URL.Query().Get(AddrParam)
	if addr == "" {
		http.Error(w, "missing "+AddrParam, http.StatusBadRequest)
		return
	}
	if h.Allow != nil && !h.Allow(addr) {
		log.Warn("relay rejected target", "addr", addr, "error", ErrTargetRejected)
		http.Error(w, ErrTargetRejected.Error(), http.StatusForbidden)
		return
	}

	dial := h.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	upstream, err := dial(r.Context(), "tcp", addr)
	if err != nil {
		log.Warn("relay dial failed", "addr", addr, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		upstream.Close()
		log.Warn("relay accept failed", "addr", addr, "error", err)
		return
	}
	c.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	tunnel := websocket.NetConn(ctx, c, websocket.MessageBinary)

	log.Debug("relay tunnel open", "addr", addr, "remote", r.RemoteAddr)
	splice(tunnel, upstream)
	log.Debug("relay tunnel closed", "addr", addr)
}

// splice copies both ways until either side ends, then closes both.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		a.Close()
		b.Close()
	}
	pump := func(dst, src net.Conn) {
		defer wg.Done()
		io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go pump(a, b)
	go pump(b, a)
	wg.Wait()
}
