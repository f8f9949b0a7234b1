// Package transport moves cast messages over one Socket.
//
// A Transport runs two independent state machines against the same
// full-duplex socket: a write machine draining a FIFO queue of serialized
// messages, and a read machine that feeds bytes to a framer and delivers
// complete messages to a Delegate. Each machine is driven by a loop that
// keeps stepping while transitions complete synchronously and returns only
// when the socket reports ErrIOPending or a terminal state is reached.
// Synchronous and asynchronous sockets therefore behave identically, and
// a long run of synchronous completions never deepens the call stack.
//
// Everything runs on one sequence.Runner; no method may be called from any
// other goroutine.
package transport

import (
	"errors"
	"fmt"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/framer"
	"github.com/risa-org/castchannel/message"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/telemetry"
)

// Delegate receives what the read machine produces.
type Delegate interface {
	// Start is called once when the transport starts (or, for a delegate
	// installed later, when it is installed on a started transport).
	Start()

	// OnError is called at most once per transport, with the sticky error.
	OnError(err channel.ChannelError)

	// OnMessage is called synchronously for every valid inbound message.
	OnMessage(msg *message.CastMessage)
}

// WriteState is the state of the write machine.
type WriteState int

const (
	WriteIdle        WriteState = iota // queue empty, nothing in flight
	WriteWrite                         // about to write the front request
	WriteComplete                      // waiting for / handling a write result
	WriteDoCallback                    // front request fully written
	WriteHandleError                   // a write failed
	WriteError                         // terminal
	WriteUnknown                       // transient, only inside the loop
)

func (s WriteState) String() string {
	switch s {
	case WriteIdle:
		return "IDLE"
	case WriteWrite:
		return "WRITE"
	case WriteComplete:
		return "WRITE_COMPLETE"
	case WriteDoCallback:
		return "DO_CALLBACK"
	case WriteHandleError:
		return "HANDLE_ERROR"
	case WriteError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// terminal states end a pass of the write loop.
func (s WriteState) terminal() bool {
	return s == WriteIdle || s == WriteError
}

// ReadState is the state of the read machine. There is no idle state:
// once started the transport always listens for the next message.
type ReadState int

const (
	ReadRead        ReadState = iota // about to read what the framer asks for
	ReadComplete                     // waiting for / handling a read result
	ReadDoCallback                   // a complete message is held
	ReadHandleError                  // a read or framing step failed
	ReadError                        // terminal
	ReadUnknown                      // transient, only inside the loop
)

func (s ReadState) String() string {
	switch s {
	case ReadRead:
		return "READ"
	case ReadComplete:
		return "READ_COMPLETE"
	case ReadDoCallback:
		return "DO_CALLBACK"
	case ReadHandleError:
		return "HANDLE_ERROR"
	case ReadError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// writeRequest is one queued message. buf is owned by the request and
// consumed from the front across partial writes.
type writeRequest struct {
	namespace string
	buf       []byte
	consumed  int
	done      func(error)
}

func (w *writeRequest) remaining() []byte {
	return w.buf[w.consumed:]
}

// Transport is the message layer of one channel.
type Transport struct {
	socket    Socket
	channelID int
	runner    sequence.Runner
	logger    telemetry.Logger
	delegate  Delegate

	writeQueue []*writeRequest

	// readBuf is allocated once at MaxMessageSize and shared with the
	// framer; every message is assembled in it from offset zero.
	readBuf     []byte
	framer      *framer.Framer
	current     *message.CastMessage
	currentSize int

	writeState    WriteState
	readState     ReadState
	errorState    channel.ChannelError
	started       bool
	closed        bool
	errorReported bool
}

// New creates a transport over socket. The socket is not owned: closing
// the transport does not close it.
func New(socket Socket, channelID int, runner sequence.Runner, logger telemetry.Logger) *Transport {
	buf := framer.NewBuffer()
	return &Transport{
		socket:     socket,
		channelID:  channelID,
		runner:     runner,
		logger:     telemetry.OrNop(logger),
		readBuf:    buf,
		framer:     framer.New(buf),
		writeState: WriteIdle,
		readState:  ReadRead,
		errorState: channel.ErrorNone,
	}
}

// SetDelegate installs d, replacing any previous delegate. If the
// transport has already started, d is started immediately.
func (t *Transport) SetDelegate(d Delegate) {
	t.delegate = d
	if t.started && d != nil {
		d.Start()
	}
}

// Start starts the delegate and kicks off the read machine.
// A delegate must be installed first. Calling Start twice is a no-op.
func (t *Transport) Start() {
	if t.started || t.closed {
		return
	}
	t.started = true
	if t.delegate != nil {
		t.delegate.Start()
	}
	t.onReadResult(0, nil)
}

// SendMessage queues msg. done (may be nil) is always invoked as a posted
// task: with nil once every byte of the message is written, or with an
// error if the message is invalid, too large, or the channel fails first.
func (t *Transport) SendMessage(msg *message.CastMessage, done func(error)) {
	if t.closed || t.errorState != channel.ErrorNone {
		t.post(done, fmt.Errorf("%w: %v", ErrChannelClosed, t.errorState))
		return
	}
	if !msg.IsValid() {
		t.post(done, fmt.Errorf("%w: %w", ErrSendFailed, channel.ErrorInvalidMessage))
		return
	}
	data, err := framer.Serialize(msg)
	if err != nil {
		t.post(done, fmt.Errorf("%w: %w", ErrSendFailed, err))
		return
	}

	t.writeQueue = append(t.writeQueue, &writeRequest{
		namespace: msg.Namespace,
		buf:       data,
		done:      done,
	})
	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:      telemetry.EventMessageEnqueued,
		Namespace: msg.Namespace,
		Bytes:     len(data),
	})

	if t.writeState == WriteIdle {
		t.setWriteState(WriteWrite)
		t.onWriteResult(0, nil)
	}
}

// Close fails every queued write with ErrChannelClosed and stops both
// machines. Socket completions that arrive afterwards are ignored.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.current = nil
	t.flushWriteQueue(ErrChannelClosed)
}

// ErrorState returns the sticky channel error, ErrorNone while healthy.
func (t *Transport) ErrorState() channel.ChannelError { return t.errorState }

// ReadState returns the current read machine state.
func (t *Transport) ReadState() ReadState { return t.readState }

// WriteState returns the current write machine state.
func (t *Transport) WriteState() WriteState { return t.writeState }

// QueuedWrites is the number of messages not yet fully written.
func (t *Transport) QueuedWrites() int { return len(t.writeQueue) }

// -------------------------------------------------------
// write machine
// -------------------------------------------------------

func (t *Transport) onWriteResult(n int, err error) {
	if t.closed {
		return
	}
	if len(t.writeQueue) == 0 {
		if t.writeState != WriteError {
			t.setWriteState(WriteIdle)
		}
		return
	}

	for {
		state := t.writeState
		t.writeState = WriteUnknown
		switch state {
		case WriteWrite:
			n, err = t.doWrite()
		case WriteComplete:
			n, err = t.doWriteComplete(n, err)
		case WriteDoCallback:
			n, err = t.doWriteCallback()
		case WriteHandleError:
			n, err = t.doWriteHandleError(n, err)
		default:
			panic(fmt.Sprintf("transport: write loop entered in state %v", state))
		}
		if errors.Is(err, ErrIOPending) || t.writeState.terminal() || t.closed {
			break
		}
	}

	if t.writeState == WriteError {
		t.flushWriteQueue(ErrSendFailed)
		t.reportError()
	}
}

func (t *Transport) doWrite() (int, error) {
	req := t.writeQueue[0]
	t.setWriteState(WriteComplete)
	return t.socket.Write(req.remaining(), t.onWriteResult)
}

func (t *Transport) doWriteComplete(n int, err error) (int, error) {
	if err != nil || n <= 0 {
		if err == nil {
			err = ErrPeerClosed
		}
		t.logger.LogEvent(t.channelID, telemetry.Event{
			Type:      telemetry.EventSocketWriteFailed,
			Namespace: t.writeQueue[0].namespace,
			Err:       err,
		})
		t.setErrorState(channel.ErrorSocket)
		t.setWriteState(WriteHandleError)
		return n, err
	}

	req := t.writeQueue[0]
	req.consumed += n
	if req.consumed < len(req.buf) {
		t.setWriteState(WriteWrite)
		return n, nil
	}

	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:      telemetry.EventMessageWritten,
		Namespace: req.namespace,
		Bytes:     len(req.buf),
	})
	t.setWriteState(WriteDoCallback)
	return n, nil
}

func (t *Transport) doWriteCallback() (int, error) {
	req := t.writeQueue[0]
	t.writeQueue[0] = nil
	t.writeQueue = t.writeQueue[1:]

	// posted, not called: the callback may send again and must not
	// re-enter the queue while this loop is still popping it
	t.post(req.done, nil)

	if len(t.writeQueue) == 0 {
		t.setWriteState(WriteIdle)
	} else {
		t.setWriteState(WriteWrite)
	}
	return 0, nil
}

func (t *Transport) doWriteHandleError(n int, err error) (int, error) {
	t.setWriteState(WriteError)
	return n, err
}

func (t *Transport) flushWriteQueue(cause error) {
	for _, req := range t.writeQueue {
		t.post(req.done, fmt.Errorf("%w: %v", cause, t.errorState))
	}
	t.writeQueue = nil
}

// -------------------------------------------------------
// read machine
// -------------------------------------------------------

func (t *Transport) onReadResult(n int, err error) {
	if t.closed {
		return
	}

	for {
		state := t.readState
		t.readState = ReadUnknown
		switch state {
		case ReadRead:
			n, err = t.doRead()
		case ReadComplete:
			n, err = t.doReadComplete(n, err)
		case ReadDoCallback:
			n, err = t.doReadCallback()
		case ReadHandleError:
			n, err = t.doReadHandleError(n, err)
		default:
			panic(fmt.Sprintf("transport: read loop entered in state %v", state))
		}
		// the delegate may close the transport from OnMessage
		if errors.Is(err, ErrIOPending) || t.readState == ReadError || t.closed {
			break
		}
	}

	if t.readState == ReadError {
		t.reportError()
	}
}

func (t *Transport) doRead() (int, error) {
	t.setReadState(ReadComplete)
	return t.socket.Read(t.framer.Buffer(), t.onReadResult)
}

func (t *Transport) doReadComplete(n int, err error) (int, error) {
	// n > 0 with an error is still data; the error comes back on the
	// next read.
	if n <= 0 {
		if err == nil {
			err = ErrPeerClosed
		}
		t.logger.LogEvent(t.channelID, telemetry.Event{
			Type: telemetry.EventSocketReadFailed,
			Err:  err,
		})
		t.setErrorState(channel.ErrorSocket)
		t.setReadState(ReadHandleError)
		return n, err
	}

	msg, size, ferr := t.framer.Ingest(n)
	switch {
	case ferr != nil:
		t.setErrorState(channel.ErrorInvalidMessage)
		t.setReadState(ReadHandleError)
		return 0, ferr
	case msg != nil:
		t.current = msg
		t.currentSize = size
		t.setReadState(ReadDoCallback)
	default:
		t.setReadState(ReadRead)
	}
	return n, nil
}

func (t *Transport) doReadCallback() (int, error) {
	msg := t.current
	t.current = nil
	if !msg.IsValid() {
		t.setErrorState(channel.ErrorInvalidMessage)
		t.setReadState(ReadHandleError)
		return 0, fmt.Errorf("%w: %s", channel.ErrorInvalidMessage, msg)
	}

	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:      telemetry.EventMessageRead,
		Namespace: msg.Namespace,
		Bytes:     t.currentSize,
	})
	t.setReadState(ReadRead)
	if t.delegate != nil {
		t.delegate.OnMessage(msg)
	}
	return 0, nil
}

func (t *Transport) doReadHandleError(n int, err error) (int, error) {
	t.setReadState(ReadError)
	return n, err
}

// -------------------------------------------------------
// helpers
// -------------------------------------------------------

// reportError tells the delegate about the sticky error, once, no matter
// how many machines reach ERROR.
func (t *Transport) reportError() {
	if t.errorReported || t.delegate == nil {
		return
	}
	t.errorReported = true
	t.delegate.OnError(t.errorState)
}

// setErrorState records the first error only; later errors are symptoms.
func (t *Transport) setErrorState(e channel.ChannelError) {
	if t.errorState != channel.ErrorNone {
		return
	}
	t.errorState = e
	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:  telemetry.EventErrorStateChanged,
		State: e.String(),
	})
}

func (t *Transport) setWriteState(s WriteState) {
	if t.writeState == s {
		return
	}
	t.writeState = s
	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:  telemetry.EventWriteStateChanged,
		State: s.String(),
	})
}

func (t *Transport) setReadState(s ReadState) {
	if t.readState == s {
		return
	}
	t.readState = s
	t.logger.LogEvent(t.channelID, telemetry.Event{
		Type:  telemetry.EventReadStateChanged,
		State: s.String(),
	})
}

func (t *Transport) post(done func(error), err error) {
	if done == nil {
		return
	}
	t.runner.Post(func() { done(err) })
}
