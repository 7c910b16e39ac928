// Package devices implements the device lifecycle: issuing, listing,
// revoking and exporting per-user VPN client identities.
//
// A Service combines a certificate authority with a device store. The
// authority is immutable and the store arbitrates concurrency, so a Service
// is safe for concurrent use by any number of request handlers.
package devices

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/internal/logs"
	"github.com/jmcleod/ovpnkeeper/pki"
	"github.com/jmcleod/ovpnkeeper/storage"
)

// MaxNameLength is the longest accepted device name, in runes.
const MaxNameLength = 64

// DefaultMaxDevices is the per-owner quota used when none is configured.
const DefaultMaxDevices = 6

// Authority is the subset of *pki.Provider the service depends on.
type Authority interface {
	GenerateKey() (crypto.Signer, error)
	BuildCertificateRequest(commonName string, key crypto.Signer) (*x509.CertificateRequest, error)
	Sign(req *x509.CertificateRequest, serial int64) (*x509.Certificate, error)
	BuildRevocationList(serials []int64) ([]byte, error)
	Bundle(keyPEM, certPEM, password string) ([]byte, error)
	ExportCA() string
	ExportSharedSecret() (string, error)
}

var _ Authority = (*pki.Provider)(nil)

// Export is a named document handed to the device owner.
type Export struct {
	Filename string
	Content  []byte
}

// Service orchestrates device issuance. Create it with New.
type Service struct {
	repo       storage.Repository
	ca         Authority
	host       string
	port       int
	maxDevices int
	log        logrus.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

// WithServer sets the VPN endpoint embedded in generated client configs.
func WithServer(host string, port int) Option {
	return func(s *Service) {
		s.host = host
		s.port = port
	}
}

// WithMaxDevices sets the per-owner device quota.
func WithMaxDevices(n int) Option {
	return func(s *Service) { s.maxDevices = n }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Service issuing from ca and persisting to repo.
func New(repo storage.Repository, ca Authority, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		ca:         ca,
		host:       "127.0.0.1",
		port:       1443,
		maxDevices: DefaultMaxDevices,
		log:        logs.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.WithFields(logrus.Fields{
		"server":      fmt.Sprintf("%s:%d", s.host, s.port),
		"max_devices": s.maxDevices,
	}).Info("device service created")
	return s
}

// ParseDeviceID parses the textual id handed out to collaborators.
func ParseDeviceID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	return id, nil
}

// NormalizeName trims name and checks it against the naming policy.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidDeviceName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidDeviceName)
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return "", fmt.Errorf("%w: %d characters, at most %d allowed", ErrInvalidDeviceName, n, MaxNameLength)
	}
	return name, nil
}

// CommonName is the certificate subject CN for a device.
func CommonName(ownerID int64, name string) string {
	return fmt.Sprintf("%d %s", ownerID, pki.EscapeName(name))
}

// fail wraps an unexpected error and logs it with its full cause.
func (s *Service) fail(op string, err error, fields logrus.Fields) error {
	s.log.WithFields(fields).WithError(err).Errorf("device %s failed", op)
	return &Error{Op: op, Err: err}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// CountDevices returns the number of live devices of ownerID.
func (s *Service) CountDevices(ctx context.Context, ownerID int64) (int, error) {
	n, err := s.repo.Count(ctx, ownerID)
	if err != nil {
		return 0, s.fail("count", err, logrus.Fields{"owner": ownerID})
	}
	return n, nil
}

// ListDevices returns the live devices of ownerID in creation order.
func (s *Service) ListDevices(ctx context.Context, ownerID int64) ([]*storage.Device, error) {
	list, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return nil, s.fail("list", err, logrus.Fields{"owner": ownerID})
	}
	return list, nil
}

// HasDeviceQuota reports whether ownerID may create another device.
func (s *Service) HasDeviceQuota(ctx context.Context, ownerID int64) (bool, error) {
	n, err := s.CountDevices(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return n < s.maxDevices, nil
}

// MaxDevices returns the configured per-owner quota.
func (s *Service) MaxDevices() int { return s.maxDevices }

// GetDevice returns a live device or ErrDeviceNotFound.
func (s *Service) GetDevice(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	d, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, s.fail("get", err, logrus.Fields{"owner": ownerID, "device": id})
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// CreateDevice issues a new identity for ownerID. Key generation, request
// building and signing happen before anything is stored, so a failure
// leaves no record behind. The serial drawn in between is not returned to
// the sequence.
func (s *Service) CreateDevice(ctx context.Context, ownerID int64, name string) (*storage.Device, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	fields := logrus.Fields{"owner": ownerID, "name": name}

	key, err := s.ca.GenerateKey()
	if err != nil {
		return nil, s.fail("create", fmt.Errorf("generating key: %w", err), fields)
	}
	req, err := s.ca.BuildCertificateRequest(CommonName(ownerID, name), key)
	if err != nil {
		return nil, s.fail("create", fmt.Errorf("building request: %w", err), fields)
	}
	serial, err := s.repo.NextSerial(ctx)
	if err != nil {
		return nil, s.fail("create", fmt.Errorf("allocating serial: %w", err), fields)
	}
	fields["serial"] = serial
	cert, err := s.ca.Sign(req, serial)
	if err != nil {
		return nil, s.fail("create", fmt.Errorf("signing: %w", err), fields)
	}
	keyPEM, err := pki.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, s.fail("create", err, fields)
	}

	d, err := s.repo.Create(ctx, storage.NewDevice{
		OwnerID:            ownerID,
		Name:               name,
		PrivateKey:         keyPEM,
		CertificateRequest: pki.EncodeRequestPEM(req),
		Certificate:        pki.EncodeCertificatePEM(cert),
		SerialNumber:       serial,
	})
	if errors.Is(err, storage.ErrDuplicateName) {
		s.log.WithFields(fields).Debug("device name already taken")
		return nil, fmt.Errorf("%w: %w", ErrDeviceDuplicated, err)
	}
	if err != nil {
		return nil, s.fail("create", fmt.Errorf("persisting: %w", err), fields)
	}

	s.log.WithFields(fields).WithField("device", d.ID).Info("device created")
	return d, nil
}

// RemoveDevice revokes a device and returns it. Removing an unknown or
// already removed device yields ErrDeviceNotFound.
func (s *Service) RemoveDevice(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	fields := logrus.Fields{"owner": ownerID, "device": id}
	d, err := s.repo.Remove(ctx, ownerID, id)
	if err != nil {
		return nil, s.fail("remove", err, fields)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	s.log.WithFields(fields).WithField("serial", d.SerialNumber).Info("device removed")
	return d, nil
}

// ---------------------------------------------------------------------------
// Exports
// ---------------------------------------------------------------------------

// GenerateDeviceConfig renders the OpenVPN client configuration of a device
// with the CA, device certificate, device key and tls-auth secret inlined.
func (s *Service) GenerateDeviceConfig(ctx context.Context, ownerID int64, id uuid.UUID) (*Export, error) {
	d, err := s.GetDevice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	secret, err := s.ca.ExportSharedSecret()
	if err != nil {
		return nil, s.fail("config", err, logrus.Fields{"owner": ownerID, "device": id})
	}
	content, err := renderClientConfig(clientParams{
		Host:         s.host,
		Port:         s.port,
		CA:           s.ca.ExportCA(),
		Certificate:  d.Certificate,
		PrivateKey:   d.PrivateKey,
		SharedSecret: secret,
	})
	if err != nil {
		return nil, s.fail("config", err, logrus.Fields{"owner": ownerID, "device": id})
	}
	return &Export{Filename: ExportName(d.Name, ConfigExtension), Content: content}, nil
}

// ExportDeviceBundle packages a device key, certificate and CA chain as a
// PKCS#12 archive protected by password.
func (s *Service) ExportDeviceBundle(ctx context.Context, ownerID int64, id uuid.UUID, password string) (*Export, error) {
	d, err := s.GetDevice(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	data, err := s.ca.Bundle(d.PrivateKey, d.Certificate, password)
	if err != nil {
		return nil, s.fail("bundle", err, logrus.Fields{"owner": ownerID, "device": id})
	}
	return &Export{Filename: ExportName(d.Name, BundleExtension), Content: data}, nil
}

// RevocationList returns a PEM CRL naming the serial of every removed
// device.
func (s *Service) RevocationList(ctx context.Context) ([]byte, error) {
	serials, err := s.repo.RevokedSerials(ctx)
	if err != nil {
		return nil, s.fail("crl", err, nil)
	}
	crl, err := s.ca.BuildRevocationList(serials)
	if err != nil {
		return nil, s.fail("crl", err, logrus.Fields{"revoked": len(serials)})
	}
	s.log.WithField("revoked", len(serials)).Debug("revocation list built")
	return crl, nil
}
