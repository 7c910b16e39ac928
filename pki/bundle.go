package pki

import (
	"crypto/x509"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Bundle packages a device key and certificate together with the CA chain
// as a password-protected PKCS#12 archive, using modern AES/PBKDF2
// encryption.
func (p *Provider) Bundle(keyPEM, certPEM, password string) ([]byte, error) {
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing device key: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing device certificate: %w", err)
	}

	chain := make([]*x509.Certificate, 0, len(p.caCerts)+1)
	if !containsCert(p.caCerts, p.cert) {
		chain = append(chain, p.cert)
	}
	chain = append(chain, p.caCerts...)

	data, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12: %w", err)
	}
	return data, nil
}

func containsCert(certs []*x509.Certificate, c *x509.Certificate) bool {
	for _, x := range certs {
		if x.Equal(c) {
			return true
		}
	}
	return false
}
