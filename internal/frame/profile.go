package frame

// GATT profile of the SmartRow, shared by the central that reads a real
// device and the peripheral that emulates one.
const (
	ServiceUUID16 uint16 = 0x1234
	// WriteUUID16 carries lines from the app to the device.
	WriteUUID16 uint16 = 0x1235
	// NotifyUUID16 carries frames from the device to the app.
	NotifyUUID16 uint16 = 0x1236

	// ManufacturerID and ManufacturerData are what the device advertises.
	ManufacturerID uint16 = 0x1235
)

var ManufacturerData = []byte{0x34, 0x34}
