package message

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message body cannot be decoded.
var ErrMalformed = errors.New("malformed cast message")

// Field numbers of the CastMessage protobuf.
const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceID        protowire.Number = 2
	fieldDestinationID   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUTF8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

// Marshal encodes the message body (without the length prefix).
// Enum fields must hold known values; the routing strings are always
// written so a decoded message carries every required field.
func Marshal(m *CastMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil cast message")
	}
	if m.ProtocolVersion != CastV2_1_0 {
		return nil, fmt.Errorf("unsupported protocol version %d", m.ProtocolVersion)
	}
	if m.PayloadType != PayloadString && m.PayloadType != PayloadBinary {
		return nil, fmt.Errorf("unknown payload type %d", m.PayloadType)
	}

	b := make([]byte, 0, 64+len(m.Namespace)+len(m.PayloadBinary)+len(m.StringPayload()))
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ProtocolVersion))
	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, m.SourceID)
	b = protowire.AppendTag(b, fieldDestinationID, protowire.BytesType)
	b = protowire.AppendString(b, m.DestinationID)
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PayloadType))

	if m.PayloadUTF8 != nil {
		b = protowire.AppendTag(b, fieldPayloadUTF8, protowire.BytesType)
		b = protowire.AppendString(b, *m.PayloadUTF8)
	}
	if m.PayloadBinary != nil {
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PayloadBinary)
	}
	return b, nil
}

// Unmarshal decodes a message body. Fields 1 through 5 are required;
// unknown fields are skipped.
func Unmarshal(b []byte) (*CastMessage, error) {
	m := &CastMessage{}
	var seen [fieldPayloadType + 1]bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldProtocolVersion || num == fieldPayloadType) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldProtocolVersion {
				m.ProtocolVersion = ProtocolVersion(v)
			} else {
				m.PayloadType = PayloadType(v)
			}
			seen[num] = true

		case num >= fieldSourceID && num <= fieldPayloadBinary && num != fieldPayloadType && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSourceID:
				m.SourceID = string(v)
				seen[num] = true
			case fieldDestinationID:
				m.DestinationID = string(v)
				seen[num] = true
			case fieldNamespace:
				m.Namespace = string(v)
				seen[num] = true
			case fieldPayloadUTF8:
				s := string(v)
				m.PayloadUTF8 = &s
			case fieldPayloadBinary:
				// copy: v aliases the caller's (reused) read buffer
				m.PayloadBinary = append([]byte{}, v...)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	for num := fieldProtocolVersion; num <= fieldPayloadType; num++ {
		if !seen[num] {
			return nil, fmt.Errorf("%w: missing required field %d", ErrMalformed, num)
		}
	}
	return m, nil
}
