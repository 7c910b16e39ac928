package devices

import (
	"errors"

	"github.com/jmcleod/ovpnkeeper/storage"
)

var (
	// ErrDeviceDuplicated is returned when the owner already has a device
	// with the requested name.
	ErrDeviceDuplicated = errors.New("device already exists")

	// ErrDeviceNotFound is returned for unknown or removed devices.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidDeviceName is returned for empty or overlong names.
	ErrInvalidDeviceName = errors.New("invalid device name")

	// ErrInvalidDeviceID is returned when a device id is not a UUID.
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Error is an unexpected failure of a service operation. Err carries the
// cause for diagnostics and must not be shown to end users.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "devices: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// GenericMessage is shown for every failure that has no specific message.
const GenericMessage = "Something went wrong, please contact the administrator"

// UserMessage returns text suitable for the person who triggered err.
// Domain conditions get actionable messages; everything else collapses to
// GenericMessage so internals never leak.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceDuplicated):
		return "A device with this name already exists, please choose another name"
	case errors.Is(err, ErrDeviceNotFound):
		return "Device not found, it may have been removed already"
	case errors.Is(err, ErrInvalidDeviceName):
		return "Device name must be between 1 and 64 characters long"
	case errors.Is(err, ErrInvalidDeviceID):
		return "Invalid device identifier"
	case errors.Is(err, storage.ErrUnavailable):
		return "The service is temporarily unavailable, please try again later"
	default:
		return GenericMessage
	}
}
