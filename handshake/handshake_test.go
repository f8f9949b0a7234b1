package handshake_test

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/castchannel/casttest"
	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/handshake"
	"github.com/risa-org/castchannel/message"
)

func newPKI(t *testing.T, opts ...casttest.PKIOption) *casttest.PKI {
	t.Helper()
	pki, err := casttest.NewPKI(opts...)
	require.NoError(t, err)
	return pki
}

// exchange runs one challenge/response and returns the reply and nonce.
func exchange(t *testing.T, pki *casttest.PKI) (*message.CastMessage, []byte) {
	t.Helper()
	nonce, err := handshake.NewNonce()
	require.NoError(t, err)
	reply, err := handshake.Respond(handshake.CreateChallenge(nonce), pki.Device, pki.TLSCert.Raw)
	require.NoError(t, err)
	return reply, nonce
}

func requireReason(t *testing.T, err error, reason string, code channel.ChannelError) {
	t.Helper()
	var herr *handshake.Error
	require.True(t, errors.As(err, &herr), "expected *handshake.Error, got %v", err)
	assert.Equal(t, reason, herr.Reason)
	assert.ErrorIs(t, err, code)
}

// --- Tests ---

func TestNonceIsFreshAndSized(t *testing.T) {
	a, err := handshake.NewNonce()
	require.NoError(t, err)
	b, err := handshake.NewNonce()
	require.NoError(t, err)

	assert.Len(t, a, handshake.NonceSize)
	assert.NotEqual(t, a, b, "two nonces should never collide")
}

func TestChallengeRouting(t *testing.T) {
	c := handshake.CreateChallenge([]byte("0123456789abcdef"))

	assert.Equal(t, message.NamespaceDeviceAuth, c.Namespace)
	assert.Equal(t, message.PlatformSenderID, c.SourceID)
	assert.Equal(t, message.PlatformReceiverID, c.DestinationID)
	assert.True(t, c.IsValid())

	am, err := handshake.UnmarshalDeviceAuthMessage(c.PayloadBinary)
	require.NoError(t, err)
	require.NotNil(t, am.Challenge)
	assert.Equal(t, []byte("0123456789abcdef"), am.Challenge.SenderNonce)
	assert.Equal(t, handshake.HashSHA256, am.Challenge.HashAlgorithm)
}

func TestVerifyReplySuccess(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)

	auth := &handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: pki.Roots}}
	result, err := auth.VerifyReply(reply, pki.TLSCert, nonce)

	require.NoError(t, err)
	assert.Equal(t, handshake.PolicyNone, result.Policy)
	assert.Equal(t, pki.DeviceCert.Raw, result.DeviceCert.Raw)
}

func TestVerifyReplyAudioOnlyPolicy(t *testing.T) {
	pki := newPKI(t, casttest.AudioOnly())
	reply, nonce := exchange(t, pki)

	result, err := (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, nonce)

	require.NoError(t, err)
	assert.Equal(t, handshake.PolicyAudioOnly, result.Policy)
}

func TestVerifyReplyWrongNamespaceIsTransportError(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)
	reply.Namespace = message.NamespaceHeartbeat

	_, err := (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, nonce)
	requireReason(t, err, handshake.ReasonWrongNamespace, channel.ErrorTransport)
}

func TestVerifyReplyNonceMismatch(t *testing.T) {
	pki := newPKI(t)
	reply, _ := exchange(t, pki)
	other, err := handshake.NewNonce()
	require.NoError(t, err)

	_, err = (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, other)
	requireReason(t, err, handshake.ReasonNonceMismatch, channel.ErrorAuthentication)
}

func TestVerifyReplySignatureBindsPeerCert(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)

	// a man in the middle presents its own TLS certificate
	mitm := newPKI(t)
	_, err := (&handshake.Authenticator{}).VerifyReply(reply, mitm.TLSCert, nonce)
	requireReason(t, err, handshake.ReasonSignatureInvalid, channel.ErrorAuthentication)
}

func TestVerifyReplyUntrustedDevice(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)
	stranger := newPKI(t)

	auth := &handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: stranger.Roots}}
	_, err := auth.VerifyReply(reply, pki.TLSCert, nonce)
	requireReason(t, err, handshake.ReasonCertInvalid, channel.ErrorAuthentication)
}

func TestVerifyReplyExpiredDevice(t *testing.T) {
	pki := newPKI(t, casttest.Expired())
	reply, nonce := exchange(t, pki)

	auth := &handshake.Authenticator{Verifier: handshake.RootsVerifier{Roots: pki.Roots}}
	_, err := auth.VerifyReply(reply, pki.TLSCert, nonce)
	requireReason(t, err, handshake.ReasonCertInvalid, channel.ErrorAuthentication)

	// the same chain is fine at a time inside its validity window
	auth.Now = func() time.Time { return pki.DeviceCert.NotBefore.Add(time.Minute) }
	_, err = auth.VerifyReply(reply, pki.TLSCert, nonce)
	assert.NoError(t, err)
}

func TestVerifyReplyReceiverError(t *testing.T) {
	pki := newPKI(t)
	nonce, err := handshake.NewNonce()
	require.NoError(t, err)
	reply := handshake.RespondError(handshake.CreateChallenge(nonce), handshake.AuthErrorNoTLS)

	_, err = (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, nonce)
	requireReason(t, err, handshake.ReasonReceiverError, channel.ErrorAuthentication)
}

func TestVerifyReplyRejectsStringPayload(t *testing.T) {
	pki := newPKI(t)
	reply := message.NewString(message.NamespaceDeviceAuth, "receiver-0", "sender-0", "{}")

	_, err := (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, []byte("n"))
	requireReason(t, err, handshake.ReasonWrongPayloadType, channel.ErrorAuthentication)
}

func TestVerifyReplyWithoutPeerCert(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)

	_, err := (&handshake.Authenticator{}).VerifyReply(reply, nil, nonce)
	requireReason(t, err, handshake.ReasonNoPeerCert, channel.ErrorAuthentication)
}

func TestVerifyReplyPSS(t *testing.T) {
	pki := newPKI(t)
	nonce, err := handshake.NewNonce()
	require.NoError(t, err)

	challenge := message.NewBinary(message.NamespaceDeviceAuth, message.PlatformSenderID, message.PlatformReceiverID,
		(&handshake.DeviceAuthMessage{Challenge: &handshake.AuthChallenge{
			SignatureAlgorithm: handshake.SignatureRSASSAPSS,
			SenderNonce:        nonce,
			HashAlgorithm:      handshake.HashSHA256,
		}}).Marshal())
	reply, err := handshake.Respond(challenge, pki.Device, pki.TLSCert.Raw)
	require.NoError(t, err)

	_, err = (&handshake.Authenticator{}).VerifyReply(reply, pki.TLSCert, nonce)
	assert.NoError(t, err)
}

func TestRespondRejectsNonChallenge(t *testing.T) {
	pki := newPKI(t)
	_, err := handshake.Respond(message.NewHeartbeat(message.HeartbeatPing), pki.Device, pki.TLSCert.Raw)
	assert.ErrorIs(t, err, handshake.ErrNotAChallenge)
}

func TestCustomVerifierIsConsulted(t *testing.T) {
	pki := newPKI(t)
	reply, nonce := exchange(t, pki)

	var seen *x509.Certificate
	var seenIntermediates int
	auth := &handshake.Authenticator{Verifier: verifierFunc(func(c *x509.Certificate, ics []*x509.Certificate) error {
		seen, seenIntermediates = c, len(ics)
		return errors.New("revoked")
	})}
	_, err := auth.VerifyReply(reply, pki.TLSCert, nonce)

	requireReason(t, err, handshake.ReasonCertInvalid, channel.ErrorAuthentication)
	require.NotNil(t, seen)
	assert.Equal(t, "test-device", seen.Subject.CommonName)
	assert.Equal(t, 1, seenIntermediates)
}

type verifierFunc func(*x509.Certificate, []*x509.Certificate) error

func (f verifierFunc) VerifyDeviceCert(c *x509.Certificate, ics []*x509.Certificate, _ time.Time) error {
	return f(c, ics)
}
