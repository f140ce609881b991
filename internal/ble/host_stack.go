package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// scanResult is one advertisement report from the host stack.
type scanResult struct {
	address     string
	rssi        int
	localName   string
	hasService  func(bluetooth.UUID) bool
	serviceData []bluetooth.ServiceDataElement
}

// stack is the part of the host Bluetooth stack HostAdapter drives.
type stack interface {
	Enable() error
	// Scan blocks, reporting advertisements, until StopScan succeeds.
	Scan(onResult func(scanResult)) error
	// StopScan fails when no scan is running yet.
	StopScan() error
	Connect(address string) (peripheral, error)
	SetDisconnectHandler(fn func(address string))
}

// peripheral is a connected device as seen by the host stack.
type peripheral interface {
	Services() ([]bluetooth.UUID, error)
	Characteristic(service, char bluetooth.UUID) (gattCharacteristic, error)
	Disconnect() error
}

type gattCharacteristic interface {
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

// tinygoStack drives tinygo-org/bluetooth.
type tinygoStack struct {
	adapter *bluetooth.Adapter
}

func (s tinygoStack) Enable() error {
	return s.adapter.Enable()
}

func (s tinygoStack) Scan(onResult func(scanResult)) error {
	return s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		onResult(scanResult{
			address:     r.Address.String(),
			rssi:        int(r.RSSI),
			localName:   r.LocalName(),
			hasService:  r.HasServiceUUID,
			serviceData: r.ServiceData(),
		})
	})
}

func (s tinygoStack) StopScan() error {
	return s.adapter.StopScan()
}

func (s tinygoStack) Connect(address string) (peripheral, error) {
	var addr bluetooth.Address
	addr.Set(address)
	device, err := s.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return tinygoPeripheral{device: device}, nil
}

// SetDisconnectHandler routes peripheral-side link drops to fn.
func (s tinygoStack) SetDisconnectHandler(fn func(address string)) {
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			fn(device.Address.String())
		}
	})
}

type tinygoPeripheral struct {
	device bluetooth.Device
}

func (p tinygoPeripheral) Services() ([]bluetooth.UUID, error) {
	svcs, err := p.device.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]bluetooth.UUID, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, s.UUID())
	}
	return out, nil
}

func (p tinygoPeripheral) Characteristic(service, char bluetooth.UUID) (gattCharacteristic, error) {
	svcs, err := p.device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", service)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{char})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", char)
	}
	return &chars[0], nil
}

func (p tinygoPeripheral) Disconnect() error {
	return p.device.Disconnect()
}
