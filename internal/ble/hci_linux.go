//go:build linux

package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// HCIAdapter talks to the controller through a raw HCI socket using
// go-ble/ble. Unlike the tinygo backend it sees the full GATT profile,
// including descriptors, so a missing CCCD is reported precisely. It needs
// CAP_NET_ADMIN and the controller must not be held by bluetoothd.
type HCIAdapter struct {
	mu  sync.Mutex
	dev ble.Device
}

func newHCIAdapter() (Adapter, error) {
	return &HCIAdapter{}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	dev, err := linux.NewDevice()
	if err != nil {
		return fmt.Errorf("ble: open hci device: %w", err)
	}
	a.dev = dev
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	dev := a.dev
	a.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("ble: connect to %s: adapter not enabled", address)
	}

	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &hciConnection{client: client, done: make(chan struct{})}
	go conn.watch()
	return conn, nil
}

var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client ble.Client
	done   chan struct{}
	once   sync.Once
	drops  dropNotifier
}

// watch fires the disconnect callback when the client reports a drop.
func (c *hciConnection) watch() {
	select {
	case <-c.client.Disconnected():
		c.drops.drop()
	case <-c.done:
	}
}

func (c *hciConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	type discoverResult struct {
		profile *ble.Profile
		err     error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		p, err := c.client.DiscoverProfile(true)
		ch <- discoverResult{p, err}
	}()

	var p *ble.Profile
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover profile: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: discover profile: %w", r.err)
		}
		p = r.profile
	}

	out := make([]Service, 0, len(p.Services))
	for _, svc := range p.Services {
		s := Service{UUID: NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			s.Characteristics = append(s.Characteristics, &hciCharacteristic{client: c.client, char: char})
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *hciConnection) Disconnect() error {
	c.once.Do(func() { close(c.done) })
	return c.client.CancelConnection()
}

// OnDisconnect registers cb, firing it at once if watch already saw the
// link go down.
func (c *hciConnection) OnDisconnect(cb func()) {
	c.drops.register(cb)
}

type hciCharacteristic struct {
	client ble.Client
	char   *ble.Characteristic
}

func (c *hciCharacteristic) UUID() string {
	return NormalizeUUID(c.char.UUID.String())
}

func (c *hciCharacteristic) HasConfigDescriptor() bool {
	return c.char.CCCD != nil
}

func (c *hciCharacteristic) EnableNotifications(cb func([]byte)) error {
	if c.char.CCCD == nil {
		return ErrDescriptorMissing
	}
	return c.client.Subscribe(c.char, false, func(data []byte) {
		cb(data)
	})
}

func (c *hciCharacteristic) DisableNotifications() error {
	if c.char.CCCD == nil {
		return nil
	}
	return c.client.Unsubscribe(c.char, false)
}
