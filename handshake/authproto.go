package handshake

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SignatureAlgorithm the receiver signs the challenge with.
type SignatureAlgorithm int32

const (
	SignatureUnspecified    SignatureAlgorithm = 0
	SignatureRSASSAPKCS1v15 SignatureAlgorithm = 1
	SignatureRSASSAPSS      SignatureAlgorithm = 2
)

// HashAlgorithm applied to the signed data.
type HashAlgorithm int32

const (
	HashSHA1   HashAlgorithm = 0
	HashSHA256 HashAlgorithm = 1
)

// AuthErrorType is the reason a receiver refuses to answer a challenge.
type AuthErrorType int32

const (
	AuthErrorInternal                      AuthErrorType = 0
	AuthErrorNoTLS                         AuthErrorType = 1
	AuthErrorSignatureAlgorithmUnavailable AuthErrorType = 2
)

// AuthChallenge is sent by the sender right after TLS completes.
type AuthChallenge struct {
	SignatureAlgorithm SignatureAlgorithm
	SenderNonce        []byte
	HashAlgorithm      HashAlgorithm
}

// AuthResponse carries the device certificate chain and the signature over
// the sender nonce and the TLS certificate the receiver presented.
type AuthResponse struct {
	Signature                []byte
	ClientAuthCertificate    []byte
	IntermediateCertificates [][]byte
	SignatureAlgorithm       SignatureAlgorithm
	SenderNonce              []byte
	HashAlgorithm            HashAlgorithm
	CRL                      []byte
}

// AuthError is a receiver's refusal.
type AuthError struct {
	ErrorType AuthErrorType
}

// DeviceAuthMessage is the binary payload on the device auth namespace.
// Exactly one member is expected to be set.
type DeviceAuthMessage struct {
	Challenge *AuthChallenge
	Response  *AuthResponse
	Error     *AuthError
}

const (
	fieldAuthChallenge protowire.Number = 1
	fieldAuthResponse  protowire.Number = 2
	fieldAuthError     protowire.Number = 3

	fieldChallengeSignatureAlgorithm protowire.Number = 1
	fieldChallengeSenderNonce        protowire.Number = 2
	fieldChallengeHashAlgorithm      protowire.Number = 3

	fieldResponseSignature          protowire.Number = 1
	fieldResponseClientAuthCert     protowire.Number = 2
	fieldResponseIntermediateCert   protowire.Number = 3
	fieldResponseSignatureAlgorithm protowire.Number = 4
	fieldResponseSenderNonce        protowire.Number = 5
	fieldResponseHashAlgorithm      protowire.Number = 6
	fieldResponseCRL                protowire.Number = 7

	fieldErrorType protowire.Number = 1
)

// ErrMalformedAuthMessage is returned for payloads that do not decode.
var ErrMalformedAuthMessage = errors.New("malformed device auth message")

// Marshal encodes the message.
func (m *DeviceAuthMessage) Marshal() []byte {
	var b []byte
	if c := m.Challenge; c != nil {
		var sub []byte
		sub = appendVarint(sub, fieldChallengeSignatureAlgorithm, uint64(c.SignatureAlgorithm))
		sub = appendBytes(sub, fieldChallengeSenderNonce, c.SenderNonce)
		sub = appendVarint(sub, fieldChallengeHashAlgorithm, uint64(c.HashAlgorithm))
		b = appendMessage(b, fieldAuthChallenge, sub)
	}
	if r := m.Response; r != nil {
		var sub []byte
		sub = appendBytes(sub, fieldResponseSignature, r.Signature)
		sub = appendBytes(sub, fieldResponseClientAuthCert, r.ClientAuthCertificate)
		for _, ic := range r.IntermediateCertificates {
			sub = protowire.AppendTag(sub, fieldResponseIntermediateCert, protowire.BytesType)
			sub = protowire.AppendBytes(sub, ic)
		}
		sub = appendVarint(sub, fieldResponseSignatureAlgorithm, uint64(r.SignatureAlgorithm))
		sub = appendBytes(sub, fieldResponseSenderNonce, r.SenderNonce)
		sub = appendVarint(sub, fieldResponseHashAlgorithm, uint64(r.HashAlgorithm))
		sub = appendBytes(sub, fieldResponseCRL, r.CRL)
		b = appendMessage(b, fieldAuthResponse, sub)
	}
	if e := m.Error; e != nil {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldErrorType, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(e.ErrorType))
		b = appendMessage(b, fieldAuthError, sub)
	}
	return b
}

// UnmarshalDeviceAuthMessage decodes b. Unknown fields are skipped.
func UnmarshalDeviceAuthMessage(b []byte) (*DeviceAuthMessage, error) {
	m := &DeviceAuthMessage{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldAuthChallenge:
			if f.typ != protowire.BytesType {
				return wrongType(f)
			}
			c, err := unmarshalChallenge(f.bytes)
			m.Challenge = c
			return err
		case fieldAuthResponse:
			if f.typ != protowire.BytesType {
				return wrongType(f)
			}
			r, err := unmarshalResponse(f.bytes)
			m.Response = r
			return err
		case fieldAuthError:
			if f.typ != protowire.BytesType {
				return wrongType(f)
			}
			e := &AuthError{}
			m.Error = e
			return walk(f.bytes, func(f field) error {
				if f.num == fieldErrorType {
					if f.typ != protowire.VarintType {
						return wrongType(f)
					}
					e.ErrorType = AuthErrorType(f.varint)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalChallenge(b []byte) (*AuthChallenge, error) {
	c := &AuthChallenge{SignatureAlgorithm: SignatureRSASSAPKCS1v15, HashAlgorithm: HashSHA1}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldChallengeSignatureAlgorithm:
			if f.typ != protowire.VarintType {
				return wrongType(f)
			}
			c.SignatureAlgorithm = SignatureAlgorithm(f.varint)
		case fieldChallengeSenderNonce:
			if f.typ != protowire.BytesType {
				return wrongType(f)
			}
			c.SenderNonce = f.bytes
		case fieldChallengeHashAlgorithm:
			if f.typ != protowire.VarintType {
				return wrongType(f)
			}
			c.HashAlgorithm = HashAlgorithm(f.varint)
		}
		return nil
	})
	return c, err
}

func unmarshalResponse(b []byte) (*AuthResponse, error) {
	r := &AuthResponse{SignatureAlgorithm: SignatureRSASSAPKCS1v15, HashAlgorithm: HashSHA1}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldResponseSignatureAlgorithm:
			r.SignatureAlgorithm = SignatureAlgorithm(f.varint)
			return want(f, protowire.VarintType)
		case fieldResponseHashAlgorithm:
			r.HashAlgorithm = HashAlgorithm(f.varint)
			return want(f, protowire.VarintType)
		case fieldResponseSignature:
			r.Signature = f.bytes
		case fieldResponseClientAuthCert:
			r.ClientAuthCertificate = f.bytes
		case fieldResponseIntermediateCert:
			r.IntermediateCertificates = append(r.IntermediateCertificates, f.bytes)
		case fieldResponseSenderNonce:
			r.SenderNonce = f.bytes
		case fieldResponseCRL:
			r.CRL = f.bytes
		default:
			return nil
		}
		return want(f, protowire.BytesType)
	})
	return r, err
}

// field is one decoded key/value. bytes aliases a private copy of the
// input, so decoded messages never share memory with the caller's buffer.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedAuthMessage, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				f.bytes = append([]byte{}, v...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedAuthMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// want rejects a known field carrying the wrong wire type.
func want(f field, typ protowire.Type) error {
	if f.typ != typ {
		return wrongType(f)
	}
	return nil
}

func wrongType(f field) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedAuthMessage, f.num, f.typ)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendBytes skips nil values; an optional bytes field that was never set
// is not written.
func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}
