package mqtt

import "fmt"

// Topic prefixes for the avcore MQTT hierarchy.
//
// Scheme: avcore/{category}/... — alerts and device status share the
// prefix so venue dashboards can subscribe to avcore/# and filter.
const (
	// TopicPrefix is the base for all avcore topics.
	TopicPrefix = "avcore"

	// TopicPrefixAlert is the base for alert events.
	TopicPrefixAlert = "avcore/alert"

	// TopicPrefixDevice is the base for per-device status topics.
	TopicPrefixDevice = "avcore/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "avcore/system"
)

// Topics provides builders for avcore MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.DeviceStatus("192.168.1.50:23")
//	// Returns: "avcore/device/192.168.1.50:23/status"
type Topics struct{}

// AlertDevice returns the topic for device health alerts
// (degraded, unreachable, recovered).
//
// Example: avcore/alert/device
func (Topics) AlertDevice() string {
	return fmt.Sprintf("%s/device", TopicPrefixAlert)
}

// AlertOperation returns the topic for operation failure alerts
// (failed sequences, rollback failures).
//
// Example: avcore/alert/operation
func (Topics) AlertOperation() string {
	return fmt.Sprintf("%s/operation", TopicPrefixAlert)
}

// DeviceStatus returns the retained status topic for a device.
//
// Example: avcore/device/192.168.1.50:23/status
func (Topics) DeviceStatus(address string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, address)
}

// SystemStatus returns the retained system status topic carrying the
// online/offline state of the core itself (also used for the LWT).
//
// Example: avcore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllAlerts returns a pattern matching all alert topics.
//
// Pattern: avcore/alert/+
func (Topics) AllAlerts() string {
	return fmt.Sprintf("%s/+", TopicPrefixAlert)
}

// AllDeviceStatus returns a pattern matching all device status topics.
//
// Pattern: avcore/device/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}
