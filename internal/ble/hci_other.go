//go:build !linux

package ble

import "errors"

func newHCIAdapter() (Adapter, error) {
	return nil, errors.New("ble: hci backend is only available on linux")
}
