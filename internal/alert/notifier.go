// Package alert publishes device and operation alerts over MQTT.
//
// The notifier implements the sink interfaces declared by the connection
// and sequence packages, translating their callbacks into JSON events on
// the avcore/alert topics. Delivery is best-effort: a broker outage must
// never stall a health loop or a bus operation, so publish failures are
// logged and dropped.
package alert

import (
	"encoding/json"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/mqtt"
	"github.com/dfultonthebar/av-control-core/internal/sequence"
)

// Alert event types.
const (
	EventDeviceDegraded    = "device_degraded"
	EventDeviceUnreachable = "device_unreachable"
	EventDeviceRecovered   = "device_recovered"
	EventOperationFailed   = "operation_failed"
	EventRollbackFailed    = "rollback_failed"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Publisher sends one event payload to a topic. mqtt.Client satisfies this.
type Publisher interface {
	PublishEvent(topic string, payload []byte) error
}

// Logger is the minimal logging interface the notifier needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// event is the wire format for alert messages.
type event struct {
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Site      string `json:"site"`
	Address   string `json:"address,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Output    int    `json:"output,omitempty"`
	Failures  int    `json:"failures,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notifier publishes alerts for one site.
type Notifier struct {
	publisher Publisher
	logger    Logger
	site      string
	topics    mqtt.Topics
}

// NewNotifier creates a Notifier.
func NewNotifier(publisher Publisher, site string, logger Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		logger:    logger,
		site:      site,
	}
}

// DeviceDegraded reports a device that failed its health threshold.
func (n *Notifier) DeviceDegraded(address string, failures int) {
	n.publish(n.topics.AlertDevice(), event{
		Type:     EventDeviceDegraded,
		Severity: SeverityWarning,
		Address:  address,
		Failures: failures,
	})
}

// DeviceUnreachable reports a device that exhausted reconnection.
func (n *Notifier) DeviceUnreachable(address string) {
	n.publish(n.topics.AlertDevice(), event{
		Type:     EventDeviceUnreachable,
		Severity: SeverityCritical,
		Address:  address,
	})
}

// DeviceRecovered reports a device returning to service.
func (n *Notifier) DeviceRecovered(address string) {
	n.publish(n.topics.AlertDevice(), event{
		Type:     EventDeviceRecovered,
		Severity: SeverityInfo,
		Address:  address,
	})
}

// OperationFailed reports a failed bus operation.
func (n *Notifier) OperationFailed(kind string, output int, reason sequence.Reason) {
	n.publish(n.topics.AlertOperation(), event{
		Type:     EventOperationFailed,
		Severity: SeverityWarning,
		Kind:     kind,
		Output:   output,
		Reason:   string(reason),
	})
}

// RollbackFailed reports a bus left in a possibly inconsistent state.
// This is the one alert an operator must always act on.
func (n *Notifier) RollbackFailed(kind string, output int) {
	n.publish(n.topics.AlertOperation(), event{
		Type:     EventRollbackFailed,
		Severity: SeverityCritical,
		Kind:     kind,
		Output:   output,
		Reason:   string(sequence.ReasonRollbackFailed),
	})
}

func (n *Notifier) publish(topic string, ev event) {
	ev.Site = n.site
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(ev)
	if err != nil {
		n.warn("encoding alert failed", "type", ev.Type, "error", err)
		return
	}
	if err := n.publisher.PublishEvent(topic, payload); err != nil {
		n.warn("publishing alert failed", "type", ev.Type, "topic", topic, "error", err)
	}
}

func (n *Notifier) warn(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Warn(msg, args...)
	}
}
