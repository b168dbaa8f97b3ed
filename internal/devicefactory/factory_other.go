//go:build !linux && !darwin

package devicefactory

import "github.com/go-ble/ble"

func newPlatformDevice() (ble.Device, error) {
	return nil, ErrUnsupported
}
