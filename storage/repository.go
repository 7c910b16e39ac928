// Package storage defines the device store contract shared by the Postgres,
// BBolt and in-memory backends.
//
// Devices are partitioned by owner. A device is never physically deleted:
// removal flips a tombstone flag so that its serial number stays reserved
// and can be listed on a revocation list.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateName is returned by Create when the owner already has a
	// non-removed device with the same name.
	ErrDuplicateName = errors.New("device name already in use")

	// ErrDuplicateSerial is returned by Create when the serial number was
	// already issued to another device.
	ErrDuplicateSerial = errors.New("serial number already issued")

	// ErrUnavailable is returned when the backing store cannot be reached or
	// an operation exceeded its timeout.
	ErrUnavailable = errors.New("storage unavailable")
)

// Device is one issued VPN client identity.
type Device struct {
	ID                 uuid.UUID `json:"id"`
	OwnerID            int64     `json:"owner_id"`
	Name               string    `json:"name"`
	PrivateKey         string    `json:"private_key"`
	CertificateRequest string    `json:"certificate_request"`
	Certificate        string    `json:"certificate"`
	SerialNumber       int64     `json:"serial_number"`
	CreatedAt          time.Time `json:"created_at"`
	Removed            bool      `json:"removed"`
}

// NewDevice holds the caller-supplied fields of a device. The store assigns
// the ID and creation timestamp.
type NewDevice struct {
	OwnerID            int64
	Name               string
	PrivateKey         string
	CertificateRequest string
	Certificate        string
	SerialNumber       int64
}

// Repository is the device store. Lookups never return removed devices and
// report absence as a nil *Device with a nil error.
type Repository interface {
	// NextSerial atomically advances the shared serial sequence.
	NextSerial(ctx context.Context) (int64, error)
	// Count returns the number of non-removed devices of ownerID.
	Count(ctx context.Context, ownerID int64) (int, error)
	// List returns the non-removed devices of ownerID in insertion order.
	List(ctx context.Context, ownerID int64) ([]*Device, error)
	// Create inserts a device. Name uniqueness is enforced by the store
	// itself, so concurrent creates of the same name yield exactly one
	// success and ErrDuplicateName for the others.
	Create(ctx context.Context, d NewDevice) (*Device, error)
	// Get fetches a non-removed device.
	Get(ctx context.Context, ownerID int64, id uuid.UUID) (*Device, error)
	// Remove marks a device removed and returns the updated row.
	Remove(ctx context.Context, ownerID int64, id uuid.UUID) (*Device, error)
	// RevokedSerials returns the serial numbers of every removed device
	// across all owners.
	RevokedSerials(ctx context.Context) ([]int64, error)
	// Ping runs a trivial round trip against the store.
	Ping(ctx context.Context) error
	Close() error
}
