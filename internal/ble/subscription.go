package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Subscriptions enables and tracks value-change notifications on
// discovered characteristics.
type Subscriptions struct {
	mu     sync.Mutex
	active map[string]Characteristic // keyed by normalized UUID
	logger *slog.Logger
}

// NewSubscriptions creates an empty subscription manager.
func NewSubscriptions(logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		active: make(map[string]Characteristic),
		logger: logger,
	}
}

// Enable writes the "enable notification" value to the characteristic's
// configuration descriptor and routes subsequent value changes to handler.
// It fails with ErrDescriptorMissing when the characteristic has no CCCD.
func (s *Subscriptions) Enable(c Characteristic, handler func([]byte)) error {
	uuid := NormalizeUUID(c.UUID())
	if !c.HasConfigDescriptor() {
		return fmt.Errorf("ble: enable notifications on %s: %w", uuid, ErrDescriptorMissing)
	}
	if err := c.EnableNotifications(handler); err != nil {
		if errors.Is(err, ErrDescriptorMissing) {
			return err
		}
		return fmt.Errorf("ble: enable notifications on %s: %w", uuid, err)
	}

	s.mu.Lock()
	s.active[uuid] = c
	s.mu.Unlock()

	s.logger.Debug("[BLE] notifications enabled", "characteristic", uuid)
	return nil
}

// Disable clears notifications on one characteristic.
func (s *Subscriptions) Disable(uuid string) error {
	uuid = NormalizeUUID(uuid)
	s.mu.Lock()
	c, ok := s.active[uuid]
	delete(s.active, uuid)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.DisableNotifications(); err != nil {
		return fmt.Errorf("ble: disable notifications on %s: %w", uuid, err)
	}
	return nil
}

// DisableAll clears notifications on every active characteristic. Errors
// are logged; the link is usually about to close anyway.
func (s *Subscriptions) DisableAll() {
	s.Detach()()
}

// Detach forgets every active subscription and returns a function that
// disables them on the peer. The records are gone once Detach returns, so
// the returned function can run outside any caller lock.
func (s *Subscriptions) Detach() (disable func()) {
	s.mu.Lock()
	active := s.active
	s.active = make(map[string]Characteristic)
	s.mu.Unlock()

	return func() {
		for uuid, c := range active {
			if err := c.DisableNotifications(); err != nil {
				s.logger.Warn("[BLE] failed to disable notifications", "characteristic", uuid, "error", err)
			}
		}
	}
}

// Forget drops all records without touching the peer. Used when the link
// is already gone.
func (s *Subscriptions) Forget() {
	s.mu.Lock()
	s.active = make(map[string]Characteristic)
	s.mu.Unlock()
}

// Remove drops the record for c if c is still the active characteristic
// for its UUID. No I/O is performed.
func (s *Subscriptions) Remove(c Characteristic) {
	uuid := NormalizeUUID(c.UUID())
	s.mu.Lock()
	if cur, ok := s.active[uuid]; ok && cur == c {
		delete(s.active, uuid)
	}
	s.mu.Unlock()
}

// Active returns the number of characteristics with notifications enabled.
func (s *Subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
