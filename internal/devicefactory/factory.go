// Package devicefactory owns the process-wide BLE host device. The SmartRow
// central, the emulated peripheral and the NUS broadcaster all share it.
package devicefactory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned on platforms without a BLE host implementation.
var ErrUnsupported = errors.New("BLE host not supported on this platform")

// DeviceFactory creates the ble.Device. It is a variable so tests can
// replace the platform host.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

var (
	mu     sync.Mutex
	shared ble.Device
)

// Acquire returns the shared device, creating it and making it the go-ble
// default on first use.
func Acquire(logger *logrus.Logger) (ble.Device, error) {
	mu.Lock()
	defer mu.Unlock()

	if shared != nil {
		return shared, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	shared = dev
	if logger != nil {
		logger.Debug("BLE host device initialized")
	}
	return dev, nil
}

// Release stops the shared device if one was created.
func Release() error {
	mu.Lock()
	defer mu.Unlock()

	if shared == nil {
		return nil
	}
	err := shared.Stop()
	shared = nil
	return err
}
