// Package ble manages the BLE link to a heart-rate sensor: the platform
// adapter abstraction, the connection state machine, reconnect backoff and
// the notification subscription for the Heart Rate Measurement
// characteristic.
package ble

import (
	"context"
	"strings"
	"sync"
)

// Heart Rate profile UUIDs (Bluetooth SIG assigned numbers).
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
	ClientConfigUUID         = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a discovered BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical 128-bit form.
	UUID() string
	// HasConfigDescriptor reports whether the characteristic carries a
	// Client Characteristic Configuration descriptor (0x2902).
	HasConfigDescriptor() bool
	// EnableNotifications writes the CCCD and registers callback for
	// value changes. The callback runs on the platform callback context.
	EnableNotifications(callback func(data []byte)) error
	// DisableNotifications clears the CCCD.
	DisableNotifications() error
}

// Service is one entry of a peer's service catalog.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices returns the peer's service catalog.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// NormalizeUUID lower-cases a UUID and expands 16-bit short forms
// ("180d", "0x2A37") to the Bluetooth base UUID.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(uuid, "0x"), "0X"))
	if len(u) == 4 {
		return "0000" + u + "-0000-1000-8000-00805f9b34fb"
	}
	if len(u) == 32 && !strings.Contains(u, "-") {
		return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]
	}
	return u
}

// FindCharacteristic locates charUUID inside serviceUUID in a catalog.
func FindCharacteristic(services []Service, serviceUUID, charUUID string) (Characteristic, bool) {
	svcWant := NormalizeUUID(serviceUUID)
	charWant := NormalizeUUID(charUUID)
	for _, svc := range services {
		if NormalizeUUID(svc.UUID) != svcWant {
			continue
		}
		for _, c := range svc.Characteristics {
			if NormalizeUUID(c.UUID()) == charWant {
				return c, true
			}
		}
	}
	return nil, false
}

// dropNotifier runs a connection's disconnect callback exactly once. A drop
// observed before the callback is registered fires on registration.
type dropNotifier struct {
	mu      sync.Mutex
	cb      func()
	dropped bool
	fired   bool
}

func (d *dropNotifier) register(cb func()) {
	d.mu.Lock()
	d.cb = cb
	fire := d.dropped && !d.fired && cb != nil
	if fire {
		d.fired = true
	}
	d.mu.Unlock()
	if fire {
		cb()
	}
}

func (d *dropNotifier) drop() {
	d.mu.Lock()
	d.dropped = true
	cb := d.cb
	fire := cb != nil && !d.fired
	if fire {
		d.fired = true
	}
	d.mu.Unlock()
	if fire {
		cb()
	}
}
