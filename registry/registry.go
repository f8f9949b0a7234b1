// Package registry hands out channel ids and keeps track of open sockets.
//
// Ids start at 1 and are never reused within a process. When a device
// store is configured, sockets to receivers already known to be
// audio-only start with the latch set, and every connect outcome and
// channel error is written back to the store.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/socket"
	"github.com/risa-org/castchannel/store"
	"github.com/risa-org/castchannel/telemetry"
)

// Option customises a Registry.
type Option func(*Registry)

// WithStore remembers devices across channels.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithSocketOptions applies opts to every socket the registry opens.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(r *Registry) { r.socketOpts = append(r.socketOpts, opts...) }
}

// WithLogger reports store failures.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = telemetry.OrNop(l) }
}

// Registry owns the sockets of one runner. Open and the store hooks run on
// the runner; the lookup methods are safe from any goroutine.
type Registry struct {
	runner     sequence.Runner
	store      store.Store
	socketOpts []socket.Option
	logger     telemetry.Logger

	mu      sync.RWMutex
	lastID  int
	sockets map[int]*socket.Socket
}

// New creates an empty registry for sockets running on runner.
func New(runner sequence.Runner, opts ...Option) *Registry {
	r := &Registry{
		runner:  runner,
		logger:  telemetry.Nop{},
		sockets: make(map[int]*socket.Socket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a socket for params, registers it and starts connecting.
// done runs once on the runner with the connect result. The socket stays
// registered whatever the outcome; Remove it when done.
func (r *Registry) Open(params socket.OpenParams, done func(*socket.Socket, channel.ChannelError), opts ...socket.Option) (*socket.Socket, error) {
	all := append(append([]socket.Option(nil), r.socketOpts...), opts...)
	if r.store != nil {
		if rec, ok := r.store.Get(params.Endpoint); ok && rec.AudioOnly {
			all = append(all, socket.WithAudioOnly())
		}
	}

	r.mu.Lock()
	id := r.lastID + 1
	s, err := socket.New(id, params, r.runner, all...)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", params.Endpoint, err)
	}
	r.lastID = id
	r.sockets[id] = s
	r.mu.Unlock()

	s.AddObserver(r)
	s.Connect(func(result channel.ChannelError) {
		r.recordConnect(s, result)
		if done != nil {
			done(s, result)
		}
	})
	return s, nil
}

// Get returns the socket with id.
func (r *Registry) Get(id int) (*socket.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[id]
	return s, ok
}

// Lookup returns the socket connected or connecting to endpoint, if any.
func (r *Registry) Lookup(endpoint string) (*socket.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		if s.Endpoint() == endpoint {
			return s, true
		}
	}
	return nil, false
}

// Remove unregisters id and returns its socket. Closing it is up to the
// caller.
func (r *Registry) Remove(id int) (*socket.Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[id]
	if ok {
		delete(r.sockets, id)
	}
	return s, ok
}

// Count returns the number of registered sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.sockets))
	for id := range r.sockets {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CloseAll closes and unregisters every socket. Must run on the runner.
func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		if s, ok := r.Remove(id); ok {
			s.Close(nil)
		}
	}
}

// OnError records channel failures after open, such as PING_TIMEOUT.
func (r *Registry) OnError(s *socket.Socket, err channel.ChannelError) {
	r.update(s, func(rec *store.DeviceRecord) {
		rec.LastError = err.String()
	})
}

// OnMessage is part of socket.Observer; the registry ignores traffic.
func (r *Registry) OnMessage(*socket.Socket, *message.CastMessage) {}

func (r *Registry) recordConnect(s *socket.Socket, result channel.ChannelError) {
	r.update(s, func(rec *store.DeviceRecord) {
		if result == channel.ErrorNone {
			rec.ConnectCount++
			rec.LastConnected = s.ConnectedAt()
			rec.LastError = ""
			return
		}
		rec.LastError = result.String()
	})
}

// update applies f to the endpoint's record. The audio-only latch only
// ever moves from false to true.
func (r *Registry) update(s *socket.Socket, f func(*store.DeviceRecord)) {
	if r.store == nil {
		return
	}
	rec, _ := r.store.Get(s.Endpoint())
	rec.Endpoint = s.Endpoint()
	f(&rec)
	rec.AudioOnly = rec.AudioOnly || s.AudioOnly()
	if err := r.store.Put(rec); err != nil {
		r.logger.LogEvent(s.ID(), telemetry.Event{Type: telemetry.EventDeviceRecordFailed, Err: err})
	}
}
