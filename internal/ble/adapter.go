// Package ble provides the Bluetooth Low Energy transport used to reach
// curtain accessories: scanning for advertisers, connecting, enumerating
// resolved services, writing characteristics, subscribing to notifications,
// and looking up advertisement service data.
package ble

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrDisconnected is reported when a peripheral drops the link mid-operation.
	ErrDisconnected = errors.New("ble: peripheral disconnected")

	// ErrNoServiceData is returned when no advertisement carried the requested
	// service data UUID before the lookup deadline.
	ErrNoServiceData = errors.New("ble: no advertisement service data")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	// The callback runs on a transport goroutine.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is a single advertiser seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
	// ServiceData is keyed by lower-case UUID string.
	ServiceData map[string][]byte
}

// DisplayName returns the advertised local name, or the address when the
// peripheral does not advertise one.
func (a Advertisement) DisplayName() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name
}

// Connection represents an active BLE connection to a peripheral whose
// services have been resolved.
type Connection interface {
	// Services lists the UUIDs of every resolved primary service.
	Services() ([]string, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan collects advertisers that announce any of the given UUIDs, either
	// as a service UUID or as a service data UUID, until ctx is done.
	Scan(ctx context.Context, uuids ...string) ([]Advertisement, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
	// ServiceData returns the most recent advertisement service data the
	// given address broadcast under serviceDataUUID.
	ServiceData(ctx context.Context, address, serviceDataUUID string) ([]byte, error)
}

// NormalizeUUID returns the canonical lower-case form of a UUID string for
// use as a map key. Strings that do not parse as UUIDs are only lower-cased.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(s)
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	return strings.ToLower(s)
}

// NormalizeAddress upper-cases a MAC address string.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// HasService reports whether uuid appears in services, ignoring case.
func HasService(services []string, id string) bool {
	want := NormalizeUUID(id)
	for _, s := range services {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}
