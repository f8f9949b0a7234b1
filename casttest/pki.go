// Package casttest provides an in-process cast receiver for tests.
//
// The receiver speaks the real protocol: TLS with a self-signed
// certificate, length-prefixed CastMessages, the device auth exchange
// signed with a generated device key, and heartbeat replies. Options bend
// it into the misbehaving receivers the channel has to survive.
package casttest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/risa-org/castchannel/handshake"
)

// PKI is a throwaway certificate hierarchy:
//
//	root -> intermediate -> device      (signs auth challenges, RSA)
//	self-signed TLS certificate         (served on the socket)
type PKI struct {
	Root         *x509.Certificate
	Roots        *x509.CertPool
	Intermediate *x509.Certificate
	DeviceCert   *x509.Certificate
	Device       handshake.Credentials
	TLS          tls.Certificate
	TLSCert      *x509.Certificate
}

type pkiConfig struct {
	audioOnly bool
	notAfter  time.Time
}

// PKIOption customises the generated device certificate.
type PKIOption func(*pkiConfig)

// AudioOnly puts the audio-only policy on the device certificate.
func AudioOnly() PKIOption {
	return func(c *pkiConfig) { c.audioOnly = true }
}

// Expired makes the device certificate expire before now.
func Expired() PKIOption {
	return func(c *pkiConfig) { c.notAfter = time.Now().Add(-time.Hour) }
}

// NewPKI generates a fresh hierarchy. Only the device key is RSA, as the
// auth protocol requires; everything else uses fast P-256 keys.
func NewPKI(opts ...PKIOption) (*PKI, error) {
	cfg := pkiConfig{notAfter: time.Now().Add(24 * time.Hour)}
	for _, opt := range opts {
		opt(&cfg)
	}
	notBefore := time.Now().Add(-48 * time.Hour)

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	root, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Cast Root CA"},
		NotBefore:             notBefore,
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}, nil, rootKey.Public(), rootKey)
	if err != nil {
		return nil, err
	}

	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	inter, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "Test Cast ICA"},
		NotBefore:             notBefore,
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}, root, interKey.Public(), rootKey)
	if err != nil {
		return nil, err
	}

	deviceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	deviceTmpl := &x509.Certificate{
		Subject:   pkix.Name{CommonName: "test-device"},
		NotBefore: notBefore,
		NotAfter:  cfg.notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	if cfg.audioOnly {
		oid, err := x509.OIDFromInts([]uint64{1, 3, 6, 1, 4, 1, 11129, 2, 5, 2})
		if err != nil {
			return nil, err
		}
		deviceTmpl.Policies = []x509.OID{oid}
		deviceTmpl.PolicyIdentifiers = []asn1.ObjectIdentifier{handshake.AudioOnlyPolicyOID}
	}
	device, err := issue(deviceTmpl, inter, &deviceKey.PublicKey, interKey)
	if err != nil {
		return nil, err
	}

	tlsKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tlsCert, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "test-device"},
		NotBefore:   notBefore,
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, nil, tlsKey.Public(), tlsKey)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)

	return &PKI{
		Root:         root,
		Roots:        roots,
		Intermediate: inter,
		DeviceCert:   device,
		Device: handshake.Credentials{
			DeviceCert:    device.Raw,
			Intermediates: [][]byte{inter.Raw},
			Key:           deviceKey,
		},
		TLS:     tls.Certificate{Certificate: [][]byte{tlsCert.Raw}, PrivateKey: tlsKey, Leaf: tlsCert},
		TLSCert: tlsCert,
	}, nil
}

// issue signs tmpl with signerKey. A nil parent self-signs.
func issue(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signerKey crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl.SerialNumber = serial
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signerKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
