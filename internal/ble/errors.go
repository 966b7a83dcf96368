package ble

import "errors"

var (
	// ErrNoAddress is returned by Connect when no device address is given.
	ErrNoAddress = errors.New("ble: no device address")
	// ErrAlreadyConnecting is returned by Connect while an attempt is in
	// flight or a transport handle is open.
	ErrAlreadyConnecting = errors.New("ble: already connecting")
	// ErrLinkFailed means a connection attempt did not establish a link.
	ErrLinkFailed = errors.New("ble: link failed")
	// ErrLinkLost means an established link dropped.
	ErrLinkLost = errors.New("ble: link lost")
	// ErrDiscoveryFailed means the service catalog could not be read.
	ErrDiscoveryFailed = errors.New("ble: service discovery failed")
	// ErrUnsupported means the peer does not implement the heart rate
	// profile. Terminal for that peer.
	ErrUnsupported = errors.New("ble: heart rate profile not supported by device")
	// ErrDescriptorMissing means the characteristic has no client
	// configuration descriptor. Treated as ErrUnsupported.
	ErrDescriptorMissing = errors.New("ble: client characteristic configuration descriptor missing")
	// ErrReconnectGiveUp means the reconnect policy exhausted its attempts.
	// A new Connect call is required.
	ErrReconnectGiveUp = errors.New("ble: giving up reconnecting, re-pair the device")
	// ErrUnknownBackend is returned by NewAdapter for an unknown backend name.
	ErrUnknownBackend = errors.New("ble: unknown backend")
)

// IsUnsupported reports whether err means the peer cannot be used at all.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrDescriptorMissing)
}
