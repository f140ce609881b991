//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// Adapter ids are a BlueZ concept; other platforms expose a single adapter.
func hostAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
