package framer

import (
	"io"

	"github.com/risa-org/castchannel/message"
)

// Reader reads framed messages from a blocking stream.
// Each Reader owns one framer and one reusable buffer.
type Reader struct {
	r      io.Reader
	framer *Framer
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, framer: New(NewBuffer())}
}

// ReadMessage blocks until one whole message has been read.
// A stream that ends between messages returns io.EOF; one that ends in the
// middle of a message returns io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (*message.CastMessage, error) {
	started := false
	for {
		n, err := r.r.Read(r.framer.Buffer())
		if n > 0 {
			started = true
			msg, _, ferr := r.framer.Ingest(n)
			if ferr != nil {
				return nil, ferr
			}
			if msg != nil {
				return msg, nil
			}
		}
		if err != nil {
			if err == io.EOF && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// WriteMessage serializes msg and writes it in one call.
func WriteMessage(w io.Writer, msg *message.CastMessage) error {
	data, err := Serialize(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
