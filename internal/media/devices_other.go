//go:build !linux || !cgo

package media

import (
	"context"
	"errors"
	"runtime"
)

var errNoDrivers = errors.New("no capture drivers for " + runtime.GOOS)

// openDevices fails on platforms without V4L2/malgo drivers.
func openDevices(context.Context, Constraints) (*Capture, error) {
	return nil, &DeviceError{Kind: ErrDeviceUnavailable, Err: errNoDrivers}
}

func listDevices() []DeviceInfo {
	return nil
}
