// Package pki wraps the operator-controlled certificate authority used to
// issue VPN client identities. A Provider is loaded once from external CA
// material and is then safe for concurrent use: it mints key pairs, builds
// and signs certificate requests, and produces certificate revocation lists.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrIdentityMaterial is returned when CA inputs are malformed, do not
	// belong together, or the CA key cannot be decrypted.
	ErrIdentityMaterial = errors.New("invalid identity material")

	// ErrSigning is returned when a certificate request fails its
	// proof-of-possession check or the CA cannot sign it.
	ErrSigning = errors.New("signing failed")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

const (
	// LeafValidity is the lifetime of every issued device certificate.
	LeafValidity = 365 * 24 * time.Hour

	// DefaultCRLValidity is the window between a CRL's thisUpdate and
	// nextUpdate fields.
	DefaultCRLValidity = 24 * time.Hour

	// reasonCessationOfOperation is the RFC 5280 CRLReason code 5.
	reasonCessationOfOperation = 5
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Material is the raw, PEM-encoded CA input supplied at startup.
type Material struct {
	// CACertificate is the trust bundle embedded into client configs.
	CACertificate []byte
	// SigningCertificate is the certificate of the key that signs leaves
	// and CRLs. Its subject becomes the issuer of every device certificate.
	SigningCertificate []byte
	// SigningKey is the private key matching SigningCertificate.
	SigningKey []byte
	// Passphrase decrypts SigningKey when it is encrypted.
	Passphrase []byte
	// SharedSecret is the tls-auth pre-authentication key.
	SharedSecret []byte
}

// Paths locates CA material on disk or in a secrets mount.
type Paths struct {
	CA           string
	Cert         string
	Key          string
	SharedSecret string
}

// Provider holds the loaded CA material. It is immutable after Load.
type Provider struct {
	caPEM        string
	signingPEM   string
	caCerts      []*x509.Certificate
	cert         *x509.Certificate
	signer       crypto.Signer
	keySpec      KeySpec
	sharedSecret *memguard.Enclave

	crlValidity time.Duration
	now         func() time.Time
	rand        io.Reader
}

// Option configures a Provider.
type Option func(*Provider)

// WithCRLValidity sets the lifetime of generated revocation lists.
func WithCRLValidity(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.crlValidity = d
		}
	}
}

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// LoadFiles reads CA material from the given paths and loads it. The
// passphrase may be empty when the key is not encrypted.
func LoadFiles(paths Paths, passphrase string, opts ...Option) (*Provider, error) {
	var m Material
	var err error
	if m.CACertificate, err = readMaterial("CA certificate", paths.CA); err != nil {
		return nil, err
	}
	if m.SigningCertificate, err = readMaterial("signing certificate", paths.Cert); err != nil {
		return nil, err
	}
	if m.SigningKey, err = readMaterial("signing key", paths.Key); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(m.SigningKey)
	if m.SharedSecret, err = readMaterial("shared secret", paths.SharedSecret); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(m.SharedSecret)

	m.Passphrase = []byte(passphrase)
	defer memguard.WipeBytes(m.Passphrase)

	return Load(m, opts...)
}

func readMaterial(what, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: %s path not set", ErrIdentityMaterial, what)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIdentityMaterial, what, err)
	}
	return data, nil
}

// Load validates CA material and returns a ready Provider. The caller keeps
// ownership of m; the shared secret is copied into a memguard enclave.
func Load(m Material, opts ...Option) (*Provider, error) {
	caCerts, err := parseCertificateBundle(m.CACertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: CA certificate: %v", ErrIdentityMaterial, err)
	}
	signingCerts, err := parseCertificateBundle(m.SigningCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrIdentityMaterial, err)
	}
	cert := signingCerts[0]
	if !cert.IsCA {
		return nil, fmt.Errorf("%w: signing certificate is not a CA", ErrIdentityMaterial)
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 || cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		return nil, fmt.Errorf("%w: signing certificate lacks certSign/cRLSign key usage", ErrIdentityMaterial)
	}

	signer, err := parsePrivateKey(m.SigningKey, m.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", ErrIdentityMaterial, err)
	}
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return nil, fmt.Errorf("%w: signing key does not match signing certificate", ErrIdentityMaterial)
	}
	spec, err := KeySpecFor(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityMaterial, err)
	}

	if strings.TrimSpace(string(m.SharedSecret)) == "" {
		return nil, fmt.Errorf("%w: shared secret is empty", ErrIdentityMaterial)
	}
	// NewEnclave wipes its argument, so hand it a copy.
	secret := make([]byte, len(m.SharedSecret))
	copy(secret, m.SharedSecret)

	p := &Provider{
		caPEM:        string(m.CACertificate),
		signingPEM:   string(m.SigningCertificate),
		caCerts:      caCerts,
		cert:         cert,
		signer:       signer,
		keySpec:      spec,
		sharedSecret: memguard.NewEnclave(secret),
		crlValidity:  DefaultCRLValidity,
		now:          time.Now,
		rand:         rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Projections of loaded state
// ---------------------------------------------------------------------------

// ExportCA returns the CA trust bundle as PEM text.
func (p *Provider) ExportCA() string { return p.caPEM }

// ExportRootCertificate returns the signing certificate as PEM text.
func (p *Provider) ExportRootCertificate() string { return p.signingPEM }

// ExportSharedSecret returns the tls-auth pre-authentication secret.
func (p *Provider) ExportSharedSecret() (string, error) {
	buf, err := p.sharedSecret.Open()
	if err != nil {
		return "", fmt.Errorf("opening shared secret enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// KeySpec reports the key parameters used for newly generated device keys.
func (p *Provider) KeySpec() KeySpec { return p.keySpec }

// Subject returns the subject of the signing certificate.
func (p *Provider) Subject() pkix.Name { return p.cert.Subject }

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// GenerateKey creates a device key pair matching the CA key's algorithm and
// strength.
func (p *Provider) GenerateKey() (crypto.Signer, error) {
	return p.keySpec.Generate(p.rand)
}

// BuildCertificateRequest creates a CSR for commonName. The remaining subject
// attributes are copied from the signing certificate; the request is signed
// by key to prove possession.
func (p *Provider) BuildCertificateRequest(commonName string, key crypto.Signer) (*x509.CertificateRequest, error) {
	ca := p.cert.Subject
	subject := pkix.Name{
		Country:            ca.Country,
		Province:           ca.Province,
		Locality:           ca.Locality,
		Organization:       ca.Organization,
		OrganizationalUnit: ca.OrganizationalUnit,
		CommonName:         commonName,
	}
	for _, atv := range ca.Names {
		if atv.Type.Equal(oidEmailAddress) {
			subject.ExtraNames = append(subject.ExtraNames, atv)
		}
	}

	template := &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: signatureAlgorithm(key.Public()),
	}
	der, err := x509.CreateCertificateRequest(p.rand, template, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return x509.ParseCertificateRequest(der)
}

// Sign issues a device certificate for req carrying the given serial number.
// The request's own signature must verify against its public key.
func (p *Provider) Sign(req *x509.CertificateRequest, serial int64) (*x509.Certificate, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil certificate request", ErrSigning)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: request signature invalid: %v", ErrSigning, err)
	}
	if serial <= 0 {
		return nil, fmt.Errorf("%w: serial number must be positive, got %d", ErrSigning, serial)
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if p.keySpec.Algorithm == RSA {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}

	now := p.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		RawSubject:            req.RawSubject,
		Subject:               req.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(LeafValidity),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    signatureAlgorithm(p.signer.Public()),
	}

	der, err := x509.CreateCertificate(p.rand, template, p.cert, req.PublicKey, p.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return x509.ParseCertificate(der)
}

// BuildRevocationList returns a PEM-encoded CRL listing every serial with
// reason cessationOfOperation. All entries share the generation timestamp.
func (p *Provider) BuildRevocationList(serials []int64) ([]byte, error) {
	now := p.now().UTC().Truncate(time.Second)

	entries := make([]x509.RevocationListEntry, 0, len(serials))
	for _, sn := range serials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(sn),
			RevocationTime: now,
			ReasonCode:     reasonCessationOfOperation,
		})
	}

	template := &x509.RevocationList{
		SignatureAlgorithm:        signatureAlgorithm(p.signer.Public()),
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(p.crlValidity),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(p.rand, template, p.cert, p.signer)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// ---------------------------------------------------------------------------
// PEM helpers
// ---------------------------------------------------------------------------

// EncodeCertificatePEM encodes cert as a CERTIFICATE block.
func EncodeCertificatePEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// EncodeRequestPEM encodes req as a CERTIFICATE REQUEST block.
func EncodeRequestPEM(req *x509.CertificateRequest) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: req.Raw}))
}

// EncodePrivateKeyPEM encodes key as an unencrypted PKCS#8 PRIVATE KEY block.
func EncodePrivateKeyPEM(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block in s.
func ParseCertificatePEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseRequestPEM decodes a CERTIFICATE REQUEST block.
func ParseRequestPEM(s string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, ErrInvalidPEM
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return req, nil
}

// ParseRevocationListPEM decodes an X509 CRL block as produced by
// BuildRevocationList.
func ParseRevocationListPEM(data []byte) (*x509.RevocationList, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "X509 CRL" {
		return nil, ErrInvalidPEM
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return crl, nil
}

// ParsePrivateKeyPEM decodes an unencrypted private key block.
func ParsePrivateKeyPEM(s string) (crypto.Signer, error) {
	return parsePrivateKey([]byte(s), nil)
}

// parseCertificateBundle parses every CERTIFICATE block in data, requiring
// at least one.
func parseCertificateBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate found", ErrInvalidPEM)
	}
	return certs, nil
}
