package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
)

// KeyAlgorithm identifies an asymmetric key family.
type KeyAlgorithm int

const (
	RSA KeyAlgorithm = iota + 1
	ECDSA
	Ed25519
)

func (a KeyAlgorithm) String() string {
	switch a {
	case RSA:
		return "RSA"
	case ECDSA:
		return "ECDSA"
	case Ed25519:
		return "Ed25519"
	default:
		return fmt.Sprintf("KeyAlgorithm(%d)", int(a))
	}
}

// KeySpec describes the shape of generated device keys. It is derived from
// the CA key so that clients and the CA share the same security margin.
type KeySpec struct {
	Algorithm KeyAlgorithm
	Bits      int            // RSA modulus size
	Curve     elliptic.Curve // ECDSA curve
}

// KeySpecFor returns the KeySpec matching pub.
func KeySpecFor(pub crypto.PublicKey) (KeySpec, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeySpec{Algorithm: RSA, Bits: k.N.BitLen()}, nil
	case *ecdsa.PublicKey:
		return KeySpec{Algorithm: ECDSA, Curve: k.Curve}, nil
	case ed25519.PublicKey:
		return KeySpec{Algorithm: Ed25519}, nil
	default:
		return KeySpec{}, fmt.Errorf("unsupported key type %T", pub)
	}
}

// Generate creates a fresh key pair of this shape.
func (s KeySpec) Generate(r io.Reader) (crypto.Signer, error) {
	switch s.Algorithm {
	case RSA:
		key, err := rsa.GenerateKey(r, s.Bits)
		if err != nil {
			return nil, fmt.Errorf("generating RSA-%d key: %w", s.Bits, err)
		}
		return key, nil
	case ECDSA:
		key, err := ecdsa.GenerateKey(s.Curve, r)
		if err != nil {
			return nil, fmt.Errorf("generating ECDSA %s key: %w", s.Curve.Params().Name, err)
		}
		return key, nil
	case Ed25519:
		_, key, err := ed25519.GenerateKey(r)
		if err != nil {
			return nil, fmt.Errorf("generating Ed25519 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key algorithm %s", s.Algorithm)
	}
}

func (s KeySpec) String() string {
	switch s.Algorithm {
	case RSA:
		return fmt.Sprintf("RSA %d", s.Bits)
	case ECDSA:
		return fmt.Sprintf("ECDSA %s", s.Curve.Params().Name)
	default:
		return s.Algorithm.String()
	}
}

// signatureAlgorithm picks the SHA-256 based algorithm for a signing key.
func signatureAlgorithm(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
