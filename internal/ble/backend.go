package ble

import "fmt"

// Backend names accepted by NewAdapter.
const (
	BackendTinyGo = "tinygo"
	BackendHCI    = "hci"
)

// NewAdapter returns the platform adapter for the named backend. An empty
// name selects tinygo.
func NewAdapter(backend string) (Adapter, error) {
	switch backend {
	case "", BackendTinyGo:
		return NewTinyGoAdapter(), nil
	case BackendHCI:
		return newHCIAdapter()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
