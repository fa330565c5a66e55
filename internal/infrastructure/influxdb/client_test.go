package influxdb

import (
	"errors"
	"testing"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() with disabled config: got %v, want ErrDisabled", err)
	}
}

func TestWritesAreNoOpsWhenDisconnected(t *testing.T) {
	c := &Client{connected: false}

	// Must not panic or block
	c.WriteOperationTiming("channel_change", "succeeded", "", 1234)
	c.WriteDeviceHealth("192.168.1.50:23", "connected", 5)
	c.WritePoint("custom", map[string]string{"a": "b"}, map[string]interface{}{"v": 1})
	c.Flush()
}

func TestCloseOnNilClient(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero-value client: %v", err)
	}
}
