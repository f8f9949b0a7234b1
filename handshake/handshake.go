// Package handshake implements the device authentication exchange that
// runs right after TLS on every cast channel.
//
// The sender sends a random nonce. The receiver answers with its device
// certificate chain and a signature, made with the device key, over
// nonce || the DER of the TLS certificate it presented. Checking that
// signature proves the TLS endpoint is the device the certificate names.
package handshake

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/message"
)

// NonceSize is the length of a sender nonce.
const NonceSize = 16

// Rejection reasons. Clear, named reasons; they feed logs and metrics.
const (
	ReasonWrongNamespace       = "wrong_namespace"
	ReasonWrongPayloadType     = "wrong_payload_type"
	ReasonMalformedPayload     = "malformed_payload"
	ReasonReceiverError        = "receiver_error"
	ReasonNoResponse           = "no_response"
	ReasonNoPeerCert           = "no_peer_cert"
	ReasonCertParse            = "cert_parse_failed"
	ReasonCertInvalid          = "cert_invalid"
	ReasonNonceMismatch        = "nonce_mismatch"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonSignatureInvalid     = "signature_invalid"
)

// AudioOnlyPolicyOID marks device certificates that may only carry audio.
var AudioOnlyPolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 5, 2}

// ChannelPolicy is the restriction the device certificate places on the
// channel.
type ChannelPolicy int

const (
	PolicyNone      ChannelPolicy = iota // no restriction
	PolicyAudioOnly                      // device may not be used for video
)

func (p ChannelPolicy) String() string {
	if p == PolicyAudioOnly {
		return "AUDIO_ONLY"
	}
	return "NONE"
}

// Result is what a successful verification established.
type Result struct {
	Policy     ChannelPolicy
	DeviceCert *x509.Certificate
}

// Error is a failed verification. ChannelError is the code the channel
// must close with; Reason names the check that failed.
type Error struct {
	Reason       string
	ChannelError channel.ChannelError
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device auth: %s: %v", e.Reason, e.Err)
	}
	return "device auth: " + e.Reason
}

// Unwrap exposes both the channel code and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.ChannelError}
	}
	return []error{e.ChannelError, e.Err}
}

func reject(reason string, err error) *Error {
	return &Error{Reason: reason, ChannelError: channel.ErrorAuthentication, Err: err}
}

// CertVerifier decides whether a device certificate is trusted.
type CertVerifier interface {
	VerifyDeviceCert(cert *x509.Certificate, intermediates []*x509.Certificate, now time.Time) error
}

// RootsVerifier chains device certificates to a fixed root pool.
// A nil Roots accepts any certificate; use it for development only.
type RootsVerifier struct {
	Roots *x509.CertPool
}

func (v RootsVerifier) VerifyDeviceCert(cert *x509.Certificate, intermediates []*x509.Certificate, now time.Time) error {
	if v.Roots == nil {
		return nil
	}
	pool := x509.NewCertPool()
	for _, ic := range intermediates {
		pool.AddCert(ic)
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: pool,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// Authenticator verifies challenge replies.
type Authenticator struct {
	// Verifier checks the device certificate. Nil means RootsVerifier{}.
	Verifier CertVerifier

	// Now is the verification time. Nil means time.Now.
	Now func() time.Time
}

// NewNonce returns a fresh random sender nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// CreateChallenge builds the challenge message carrying nonce.
func CreateChallenge(nonce []byte) *message.CastMessage {
	payload := (&DeviceAuthMessage{Challenge: &AuthChallenge{
		SignatureAlgorithm: SignatureRSASSAPKCS1v15,
		SenderNonce:        nonce,
		HashAlgorithm:      HashSHA256,
	}}).Marshal()
	return message.NewBinary(message.NamespaceDeviceAuth,
		message.PlatformSenderID, message.PlatformReceiverID, payload)
}

// VerifyReply checks a challenge reply against the nonce that was sent and
// the certificate the peer presented during TLS.
//
// Steps:
//  1. The reply must be on the device auth namespace (else TRANSPORT_ERROR)
//  2. Its payload must decode to a response, not a receiver error
//  3. The device certificate must parse and be trusted
//  4. The echoed nonce must match, compared in constant time
//  5. The signature over nonce || peer cert DER must verify
//  6. The certificate decides the channel policy
//
// Every failure past step 1 is AUTHENTICATION_ERROR.
func (a *Authenticator) VerifyReply(reply *message.CastMessage, peerCert *x509.Certificate, nonce []byte) (Result, error) {
	// step 1: right namespace
	if reply.Namespace != message.NamespaceDeviceAuth {
		return Result{}, &Error{
			Reason:       ReasonWrongNamespace,
			ChannelError: channel.ErrorTransport,
			Err:          fmt.Errorf("got %s", reply.Namespace),
		}
	}
	if peerCert == nil {
		return Result{}, reject(ReasonNoPeerCert, nil)
	}

	// step 2: decode
	if reply.PayloadType != message.PayloadBinary {
		return Result{}, reject(ReasonWrongPayloadType, nil)
	}
	am, err := UnmarshalDeviceAuthMessage(reply.PayloadBinary)
	if err != nil {
		return Result{}, reject(ReasonMalformedPayload, err)
	}
	if am.Error != nil {
		return Result{}, reject(ReasonReceiverError, fmt.Errorf("error type %d", am.Error.ErrorType))
	}
	resp := am.Response
	if resp == nil {
		return Result{}, reject(ReasonNoResponse, nil)
	}

	// step 3: device certificate
	deviceCert, err := x509.ParseCertificate(resp.ClientAuthCertificate)
	if err != nil {
		return Result{}, reject(ReasonCertParse, err)
	}
	intermediates := make([]*x509.Certificate, 0, len(resp.IntermediateCertificates))
	for _, der := range resp.IntermediateCertificates {
		ic, err := x509.ParseCertificate(der)
		if err != nil {
			return Result{}, reject(ReasonCertParse, err)
		}
		intermediates = append(intermediates, ic)
	}
	if err := a.verifier().VerifyDeviceCert(deviceCert, intermediates, a.now()); err != nil {
		return Result{}, reject(ReasonCertInvalid, err)
	}

	// step 4: nonce, constant-time so a mismatch position is not observable
	if subtle.ConstantTimeCompare(resp.SenderNonce, nonce) != 1 {
		return Result{}, reject(ReasonNonceMismatch, nil)
	}

	// step 5: signature
	if err := verifySignature(deviceCert, resp, signedData(nonce, peerCert.Raw)); err != nil {
		return Result{}, err
	}

	// step 6: policy
	return Result{Policy: policyOf(deviceCert), DeviceCert: deviceCert}, nil
}

func (a *Authenticator) verifier() CertVerifier {
	if a.Verifier == nil {
		return RootsVerifier{}
	}
	return a.Verifier
}

func (a *Authenticator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func signedData(nonce, peerCertDER []byte) []byte {
	data := make([]byte, 0, len(nonce)+len(peerCertDER))
	data = append(data, nonce...)
	return append(data, peerCertDER...)
}

func digest(h HashAlgorithm, data []byte) (crypto.Hash, []byte, error) {
	switch h {
	case HashSHA1:
		sum := sha1.Sum(data)
		return crypto.SHA1, sum[:], nil
	case HashSHA256:
		sum := sha256.Sum256(data)
		return crypto.SHA256, sum[:], nil
	default:
		return 0, nil, fmt.Errorf("hash algorithm %d", h)
	}
}

func verifySignature(deviceCert *x509.Certificate, resp *AuthResponse, data []byte) error {
	pub, ok := deviceCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return reject(ReasonUnsupportedAlgorithm, fmt.Errorf("device key is %T", deviceCert.PublicKey))
	}
	hash, sum, err := digest(resp.HashAlgorithm, data)
	if err != nil {
		return reject(ReasonUnsupportedAlgorithm, err)
	}

	switch resp.SignatureAlgorithm {
	case SignatureUnspecified, SignatureRSASSAPKCS1v15:
		err = rsa.VerifyPKCS1v15(pub, hash, sum, resp.Signature)
	case SignatureRSASSAPSS:
		err = rsa.VerifyPSS(pub, hash, sum, resp.Signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
	default:
		return reject(ReasonUnsupportedAlgorithm, fmt.Errorf("signature algorithm %d", resp.SignatureAlgorithm))
	}
	if err != nil {
		return reject(ReasonSignatureInvalid, err)
	}
	return nil
}

func policyOf(cert *x509.Certificate) ChannelPolicy {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(AudioOnlyPolicyOID) {
			return PolicyAudioOnly
		}
	}
	for _, p := range cert.PolicyIdentifiers {
		if p.Equal(AudioOnlyPolicyOID) {
			return PolicyAudioOnly
		}
	}
	return PolicyNone
}

// Credentials are what a receiver signs challenges with.
type Credentials struct {
	DeviceCert    []byte // DER
	Intermediates [][]byte
	Key           *rsa.PrivateKey
}

// ErrNotAChallenge is returned by Respond for auth messages without a challenge.
var ErrNotAChallenge = errors.New("device auth message carries no challenge")

// Respond is the receiver side: it answers challenge, signing with creds
// over the nonce and tlsCertDER, the certificate the receiver serves TLS
// with.
func Respond(challenge *message.CastMessage, creds Credentials, tlsCertDER []byte) (*message.CastMessage, error) {
	if challenge.Namespace != message.NamespaceDeviceAuth || challenge.PayloadType != message.PayloadBinary {
		return nil, ErrNotAChallenge
	}
	am, err := UnmarshalDeviceAuthMessage(challenge.PayloadBinary)
	if err != nil {
		return nil, err
	}
	c := am.Challenge
	if c == nil {
		return nil, ErrNotAChallenge
	}

	hash, sum, err := digest(c.HashAlgorithm, signedData(c.SenderNonce, tlsCertDER))
	if err != nil {
		return nil, err
	}
	var sig []byte
	switch c.SignatureAlgorithm {
	case SignatureRSASSAPSS:
		sig, err = rsa.SignPSS(rand.Reader, creds.Key, hash, sum, nil)
	default:
		sig, err = rsa.SignPKCS1v15(rand.Reader, creds.Key, hash, sum)
	}
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	payload := (&DeviceAuthMessage{Response: &AuthResponse{
		Signature:                sig,
		ClientAuthCertificate:    creds.DeviceCert,
		IntermediateCertificates: creds.Intermediates,
		SignatureAlgorithm:       c.SignatureAlgorithm,
		SenderNonce:              c.SenderNonce,
		HashAlgorithm:            c.HashAlgorithm,
	}}).Marshal()
	return message.NewBinary(message.NamespaceDeviceAuth,
		challenge.DestinationID, challenge.SourceID, payload), nil
}

// RespondError is the receiver refusing a challenge.
func RespondError(challenge *message.CastMessage, errType AuthErrorType) *message.CastMessage {
	payload := (&DeviceAuthMessage{Error: &AuthError{ErrorType: errType}}).Marshal()
	return message.NewBinary(message.NamespaceDeviceAuth,
		challenge.DestinationID, challenge.SourceID, payload)
}
