// Package mqtt provides MQTT connectivity for AV Control Core.
//
// The broker carries alert events (device degraded/unreachable, failed
// operations) and retained status topics for venue dashboards.
//
// # Topic Hierarchy
//
//	avcore/alert/device               Device health alerts (events)
//	avcore/alert/operation            Operation failure alerts (events)
//	avcore/device/{address}/status    Per-device status (retained)
//	avcore/system/status              Core online/offline (retained, LWT)
//
// # Features
//
//   - Automatic reconnection with exponential backoff (handled by paho)
//   - Subscription restoration on reconnect
//   - Last Will and Testament so dashboards can detect a crashed core
//   - Panic recovery in message handlers
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.AlertDevice()
//	err = client.PublishEvent(topic, payload)
package mqtt
