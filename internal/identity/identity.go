// Package identity manages the device's self-signed certificate and private
// key. There is no CA anywhere in the system: the hex SHA-256 fingerprint of
// the DER certificate is the sole trust anchor a peer records at pairing
// time, and TLS runs with chain and hostname verification disabled.
package identity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/clipberry/clipberry/internal/common"
)

const (
	certFileName = "device.crt"
	keyFileName  = "device.key"

	rsaKeyBits   = 2048
	certValidity = 10 * 365 * 24 * time.Hour
)

// Identity holds the device certificate, its private key and the derived
// fingerprint. Initialize must be called before any other method.
type Identity struct {
	deviceID   string
	deviceName string
	certPath   string
	keyPath    string

	certificate *x509.Certificate
	signer      crypto.Signer
	tlsCert     tls.Certificate
	fingerprint string
}

// New creates an Identity rooted at certDir. Nothing is touched on disk
// until Initialize.
func New(certDir, deviceID, deviceName string) *Identity {
	return &Identity{
		deviceID:   deviceID,
		deviceName: deviceName,
		certPath:   filepath.Join(certDir, certFileName),
		keyPath:    filepath.Join(certDir, keyFileName),
	}
}

// Initialize loads the persisted certificate and key, or generates and
// persists a fresh self-signed pair when neither file exists yet.
//
// Corrupt, unreadable or partial key material is fatal. Regenerating
// silently would change the fingerprint and break trust with every paired
// peer, so the error is surfaced instead.
func (i *Identity) Initialize() error {
	certExists := fileExists(i.certPath)
	keyExists := fileExists(i.keyPath)

	switch {
	case certExists && keyExists:
		return i.load()
	case !certExists && !keyExists:
		return i.generate()
	default:
		return fmt.Errorf("%w: only one of %s, %s is present",
			common.ErrIdentityCorrupt, i.certPath, i.keyPath)
	}
}

// Fingerprint returns the hex SHA-256 digest of the DER certificate.
func (i *Identity) Fingerprint() string {
	return i.fingerprint
}

// DeviceID returns the device id recorded in the certificate. The persisted
// certificate wins over the value passed to New, so the id survives restarts
// even when the configured default changes.
func (i *Identity) DeviceID() string {
	if i.certificate != nil && len(i.certificate.Subject.OrganizationalUnit) > 0 {
		return i.certificate.Subject.OrganizationalUnit[0]
	}
	return i.deviceID
}

// DeviceName returns the display name recorded in the certificate.
func (i *Identity) DeviceName() string {
	if i.certificate != nil && i.certificate.Subject.CommonName != "" {
		return i.certificate.Subject.CommonName
	}
	return i.deviceName
}

// Certificate returns the parsed device certificate.
func (i *Identity) Certificate() *x509.Certificate {
	return i.certificate
}

// Sign signs data with the loaded key: RSA-PSS (SHA-256, maximum salt
// length) for RSA keys, plain Ed25519 otherwise. The branches mirror Verify,
// so operator-supplied Ed25519 key material works symmetrically. Any other
// key family is an error.
func (i *Identity) Sign(data []byte) ([]byte, error) {
	switch i.signer.Public().(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		return i.signer.Sign(rand.Reader, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
			Hash:       crypto.SHA256,
		})
	case ed25519.PublicKey:
		return i.signer.Sign(rand.Reader, data, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", i.signer.Public())
	}
}

// Verify reports whether signature is valid for data under the public key of
// peerCert. RSA (PSS, SHA-256) and Ed25519 keys are supported; any other key
// family fails closed.
func Verify(data, signature []byte, peerCert *x509.Certificate) bool {
	switch pub := peerCert.PublicKey.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
		})
		return err == nil
	case ed25519.PublicKey:
		return ed25519.Verify(pub, data, signature)
	default:
		return false
	}
}

// FingerprintOf returns the hex SHA-256 digest of cert's DER encoding.
func FingerprintOf(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ServerTLSConfig returns the TLS configuration for the listening side.
// The peer certificate is requested so the session can record the observed
// fingerprint; chain validation stays off.
func (i *Identity) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.tlsCert},
		ClientAuth:         tls.RequestClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// ClientTLSConfig returns the TLS configuration for the dialing side.
func (i *Identity) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.tlsCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

func (i *Identity) load() error {
	tlsCert, err := tls.LoadX509KeyPair(i.certPath, i.keyPath)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIdentityCorrupt, err)
	}

	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIdentityCorrupt, err)
	}

	signer, ok := tlsCert.PrivateKey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%w: private key does not implement crypto.Signer",
			common.ErrIdentityCorrupt)
	}

	i.certificate = cert
	i.signer = signer
	i.tlsCert = tlsCert
	i.fingerprint = FingerprintOf(cert)
	return nil
}

func (i *Identity) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         i.deviceName,
			Organization:       []string{"Clipberry"},
			OrganizationalUnit: []string{i.deviceID},
		},
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(filepath.Dir(i.certPath), 0o700); err != nil {
		return fmt.Errorf("failed to create cert dir: %w", err)
	}
	if err := os.WriteFile(i.certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(i.keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}

	return i.load()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
