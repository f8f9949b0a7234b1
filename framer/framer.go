// Package framer delimits cast messages on a byte stream.
//
// Wire format for each message:
//
//	[4 bytes: body length uint32 big-endian][N bytes: CastMessage protobuf]
//
// TCP has no message boundaries, so every message carries its own length.
// The total size (header + body) is bounded by MaxMessageSize on both the
// write and the read path, so a corrupt or hostile peer can never make us
// buffer more than that.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/message"
)

const (
	// HeaderSize is the length prefix size.
	HeaderSize = 4
	// MaxMessageSize bounds header + body.
	MaxMessageSize = 65536
	// MaxBodySize is the largest body a header may declare.
	MaxBodySize = MaxMessageSize - HeaderSize
)

// ErrMessageTooLarge is returned by Serialize for oversized messages.
var ErrMessageTooLarge = errors.New("cast message exceeds maximum size")

type element int

const (
	elementHeader element = iota // accumulating the length prefix
	elementBody                  // accumulating the declared body
)

// Framer turns bytes appended to a shared buffer into messages.
//
// The buffer is owned by the caller (the transport) and reused for every
// message: reads land in Buffer(), Ingest is told how many bytes arrived,
// and after each complete message the write offset goes back to zero.
type Framer struct {
	buf      []byte
	current  element
	received int  // bytes of the current message accumulated so far
	bodySize int  // declared body length, valid in elementBody
	failed   bool // sticky: once framing fails the stream is unusable
}

// New creates a framer over buf, which must hold at least MaxMessageSize bytes.
func New(buf []byte) *Framer {
	if len(buf) < MaxMessageSize {
		panic(fmt.Sprintf("framer: buffer of %d bytes is smaller than %d", len(buf), MaxMessageSize))
	}
	f := &Framer{buf: buf}
	f.reset()
	return f
}

// NewBuffer allocates a buffer sized for New.
func NewBuffer() []byte {
	return make([]byte, MaxMessageSize)
}

func (f *Framer) reset() {
	f.current = elementHeader
	f.received = 0
	f.bodySize = 0
}

// Serialize encodes msg with its length prefix.
func Serialize(msg *message.CastMessage) ([]byte, error) {
	body, err := message.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, HeaderSize+len(body))
	}

	out := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// BytesRequested is how many more bytes the framer needs to make progress:
// the rest of the header, or the rest of the current body. Always > 0.
func (f *Framer) BytesRequested() int {
	if f.current == elementHeader {
		return HeaderSize - f.received
	}
	return HeaderSize + f.bodySize - f.received
}

// Buffer is where the next read must put its bytes, sized to BytesRequested.
func (f *Framer) Buffer() []byte {
	return f.buf[f.received : f.received+f.BytesRequested()]
}

// Ingest accounts for n bytes just read into Buffer().
//
// It returns the parsed message and its total wire size once a whole
// message is buffered, (nil, 0, nil) when more bytes are needed, or an
// error wrapping channel.ErrorInvalidMessage on a framing failure.
func (f *Framer) Ingest(n int) (*message.CastMessage, int, error) {
	if f.failed {
		return nil, 0, fmt.Errorf("%w: framer already failed", channel.ErrorInvalidMessage)
	}
	if n <= 0 || n > f.BytesRequested() {
		return nil, 0, fmt.Errorf("framer: ingest of %d bytes, %d requested", n, f.BytesRequested())
	}
	f.received += n

	if f.current == elementHeader {
		if f.received < HeaderSize {
			return nil, 0, nil
		}
		size := binary.BigEndian.Uint32(f.buf[:HeaderSize])
		if size > MaxBodySize {
			f.failed = true
			return nil, 0, fmt.Errorf("%w: declared body of %d bytes exceeds %d",
				channel.ErrorInvalidMessage, size, MaxBodySize)
		}
		f.current = elementBody
		f.bodySize = int(size)
		// an empty body is complete as soon as its header is
		if f.bodySize > 0 {
			return nil, 0, nil
		}
	}

	if f.BytesRequested() > 0 {
		return nil, 0, nil
	}

	msg, err := message.Unmarshal(f.buf[HeaderSize : HeaderSize+f.bodySize])
	if err != nil {
		f.failed = true
		return nil, 0, fmt.Errorf("%w: %v", channel.ErrorInvalidMessage, err)
	}
	size := HeaderSize + f.bodySize
	f.reset()
	return msg, size, nil
}
