// Package pkitest builds throwaway CA material for tests.
package pkitest

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jmcleod/ovpnkeeper/pki"
)

// Common specs used across tests.
var (
	RSA2048   = pki.KeySpec{Algorithm: pki.RSA, Bits: 2048}
	ECDSAP256 = pki.KeySpec{Algorithm: pki.ECDSA, Curve: elliptic.P256()}
)

// Email is the emailAddress attribute placed in the signing CA subject.
const Email = "vpn-admin@example.com"

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Fixture is a two-level CA: a self-signed root and a signing CA below it.
type Fixture struct {
	Material   pki.Material
	Root       *x509.Certificate
	Signing    *x509.Certificate
	SigningKey crypto.Signer
}

// New creates a fresh root and signing CA whose keys follow spec. The CA
// bundle contains both certificates; the key is stored unencrypted.
func New(t testing.TB, spec pki.KeySpec) *Fixture {
	t.Helper()

	rootKey, err := spec.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("generating root key: %v", err)
	}
	now := time.Now().Add(-time.Minute)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Ovpnkeeper Test"}},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		t.Fatalf("creating root certificate: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parsing root certificate: %v", err)
	}

	signingKey, err := spec.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("generating signing key: %v", err)
	}
	signingTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Country:            []string{"US"},
			Province:           []string{"California"},
			Locality:           []string{"San Francisco"},
			Organization:       []string{"Ovpnkeeper Test"},
			OrganizationalUnit: []string{"VPN"},
			CommonName:         "Test Signing CA",
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidEmailAddress, Value: Email},
			},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	signingDER, err := x509.CreateCertificate(rand.Reader, signingTemplate, root, signingKey.Public(), rootKey)
	if err != nil {
		t.Fatalf("creating signing certificate: %v", err)
	}
	signing, err := x509.ParseCertificate(signingDER)
	if err != nil {
		t.Fatalf("parsing signing certificate: %v", err)
	}

	keyPEM, err := pki.EncodePrivateKeyPEM(signingKey)
	if err != nil {
		t.Fatalf("encoding signing key: %v", err)
	}

	signingPEM := pki.EncodeCertificatePEM(signing)
	return &Fixture{
		Material: pki.Material{
			CACertificate:      []byte(signingPEM + pki.EncodeCertificatePEM(root)),
			SigningCertificate: []byte(signingPEM),
			SigningKey:         []byte(keyPEM),
			SharedSecret:       []byte(StaticKey(t)),
		},
		Root:       root,
		Signing:    signing,
		SigningKey: signingKey,
	}
}

// Provider loads the fixture's material.
func (f *Fixture) Provider(t testing.TB, opts ...pki.Option) *pki.Provider {
	t.Helper()
	p, err := pki.Load(f.Material, opts...)
	if err != nil {
		t.Fatalf("loading provider: %v", err)
	}
	return p
}

// WriteFiles stores the fixture under dir and returns the paths.
func (f *Fixture) WriteFiles(t testing.TB, dir string) pki.Paths {
	t.Helper()
	paths := pki.Paths{
		CA:           filepath.Join(dir, "ca.crt"),
		Cert:         filepath.Join(dir, "root.crt"),
		Key:          filepath.Join(dir, "root.key"),
		SharedSecret: filepath.Join(dir, "ta.key"),
	}
	write := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	write(paths.CA, f.Material.CACertificate)
	write(paths.Cert, f.Material.SigningCertificate)
	write(paths.Key, f.Material.SigningKey)
	write(paths.SharedSecret, f.Material.SharedSecret)
	return paths
}

// StaticKey returns a random key in OpenVPN's static key file format.
func StaticKey(t testing.TB) string {
	t.Helper()
	raw := make([]byte, 256)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating static key: %v", err)
	}
	var b strings.Builder
	b.WriteString("#\n# 2048 bit OpenVPN static key\n#\n-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(raw); i += 16 {
		b.WriteString(hex.EncodeToString(raw[i : i+16]))
		b.WriteByte('\n')
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return b.String()
}

// EncryptPKCS8 encodes key as an ENCRYPTED PRIVATE KEY block using PBES2
// with PBKDF2-HMAC-SHA256 and AES-256-CBC, as `openssl pkcs8 -topk8 -v2
// aes-256-cbc` produces.
func EncryptPKCS8(t testing.TB, key crypto.Signer, passphrase []byte) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	salt := make([]byte, 16)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}
	const iterations = 2048
	dk := pbkdf2.Key(passphrase, salt, iterations, 32, sha256.New)

	pad := aes.BlockSize - len(der)%aes.BlockSize
	plain := append(append([]byte(nil), der...), make([]byte, pad)...)
	for i := len(der); i < len(plain); i++ {
		plain[i] = byte(pad)
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plain)

	type prf struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue
	}
	type kdfParams struct {
		Salt           []byte
		IterationCount int
		PRF            prf
	}
	type algo struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue
	}
	type pbes2 struct {
		KDF algo
		Enc algo
	}
	type epki struct {
		Algorithm     algo
		EncryptedData []byte
	}

	mustMarshal := func(v any) []byte {
		b, err := asn1.Marshal(v)
		if err != nil {
			t.Fatalf("asn1: %v", err)
		}
		return b
	}
	asRaw := func(b []byte) asn1.RawValue { return asn1.RawValue{FullBytes: b} }

	kdf := mustMarshal(kdfParams{
		Salt:           salt,
		IterationCount: iterations,
		PRF:            prf{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}, Parameters: asn1.NullRawValue},
	})
	params := mustMarshal(pbes2{
		KDF: algo{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}, Parameters: asRaw(kdf)},
		Enc: algo{Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}, Parameters: asRaw(mustMarshal(iv))},
	})
	out := mustMarshal(epki{
		Algorithm:     algo{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}, Parameters: asRaw(params)},
		EncryptedData: ciphertext,
	})
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: out})
}
