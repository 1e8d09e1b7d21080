package media

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Acquisition failure kinds. Use errors.Is on a *DeviceError to tell them apart.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

var errNoTracks = errors.New("no capture tracks")

// DeviceError is the only error acquisition returns. Kind is one of
// ErrPermissionDenied or ErrDeviceUnavailable.
type DeviceError struct {
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire media: %v", e.Kind)
	}
	return fmt.Sprintf("acquire media: %v: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classify maps a platform error onto a DeviceError.
func classify(err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return &DeviceError{Kind: ErrPermissionDenied, Err: err}
	}
	return &DeviceError{Kind: ErrDeviceUnavailable, Err: err}
}
