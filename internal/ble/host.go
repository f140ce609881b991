package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// stopRetryInterval spaces StopScan attempts while the stack is still
// setting a scan up.
const stopRetryInterval = 25 * time.Millisecond

// HostAdapter wraps tinygo-org/bluetooth. On Linux it drives BlueZ through
// the named HCI adapter; elsewhere the platform default adapter is used.
type HostAdapter struct {
	stack stack

	enableMu sync.Mutex
	enabled  bool

	// scanMu serializes scans; the host stack only runs one at a time.
	scanMu sync.Mutex

	// mu protects connections and serviceData.
	mu          sync.Mutex
	connections map[string]*hostConnection // keyed by normalized address
	serviceData map[string]map[string][]byte
}

// NewHostAdapter creates a BLE adapter for the given HCI adapter id (e.g. "hci0").
func NewHostAdapter(id string) *HostAdapter {
	return newHostAdapter(tinygoStack{adapter: hostAdapter(id)})
}

func newHostAdapter(s stack) *HostAdapter {
	return &HostAdapter{
		stack:       s,
		connections: make(map[string]*hostConnection),
		serviceData: make(map[string]map[string][]byte),
	}
}

// Enable powers on the adapter. Later calls are no-ops once it succeeded.
func (a *HostAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.stack.Enable(); err != nil {
		return err
	}
	a.enabled = true

	a.stack.SetDisconnectHandler(func(address string) {
		id := NormalizeAddress(address)
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *HostAdapter) Scan(ctx context.Context, uuids ...string) ([]Advertisement, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var found []Advertisement
	seen := make(map[string]int)

	err = a.scan(ctx, func(result scanResult) bool {
		if !matches(result, filter) {
			return false
		}
		adv := toAdvertisement(result)
		a.remember(adv)

		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[adv.Address]; ok {
			// Later advertisements carry fresher service data.
			if len(adv.ServiceData) > 0 {
				found[i].ServiceData = adv.ServiceData
			}
			return false
		}
		seen[adv.Address] = len(found)
		found = append(found, adv)
		slog.Debug("[BLE] discovered", "address", adv.Address, "name", adv.Name, "rssi", adv.RSSI)
		return false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ServiceData runs a short scan that stops as soon as address advertises
// serviceDataUUID. If ctx expires first, the last cached value is used.
func (a *HostAdapter) ServiceData(ctx context.Context, address, serviceDataUUID string) ([]byte, error) {
	address = NormalizeAddress(address)
	key := NormalizeUUID(serviceDataUUID)

	var data []byte
	err := a.scan(ctx, func(result scanResult) bool {
		if NormalizeAddress(result.address) != address {
			return false
		}
		adv := toAdvertisement(result)
		a.remember(adv)
		if d, ok := adv.ServiceData[key]; ok {
			data = d
			return true
		}
		return false
	})
	if data != nil {
		return data, nil
	}
	if err != nil {
		slog.Debug("[BLE] service data scan failed", "address", address, "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.serviceData[address][key]; ok {
		return append([]byte(nil), cached...), nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoServiceData, address, key)
}

// scan runs the host scan until ctx is done or onResult returns true.
func (a *HostAdapter) scan(ctx context.Context, onResult func(scanResult) bool) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	// The window may have closed while another scan held the stack.
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		a.stopOnCancel(ctx, done)
	}()

	var stopped bool
	err := a.stack.Scan(func(result scanResult) {
		if stopped {
			return
		}
		if onResult(result) {
			stopped = true
			if serr := a.stack.StopScan(); serr != nil {
				slog.Debug("[BLE] stop scan failed", "error", serr)
			}
		}
	})
	close(done)
	// A watcher still retrying must not stop the next scan.
	<-watcherDone

	if err != nil && ctx.Err() == nil && !stopped {
		return err
	}
	return nil
}

// stopOnCancel stops the running scan once ctx is done. StopScan fails
// until the stack has finished starting the scan, so it is retried until
// it succeeds or the scan has returned.
func (a *HostAdapter) stopOnCancel(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	ticker := time.NewTicker(stopRetryInterval)
	defer ticker.Stop()
	for {
		err := a.stack.StopScan()
		if err == nil {
			return
		}
		slog.Debug("[BLE] stop scan pending", "error", err)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *HostAdapter) remember(adv Advertisement) {
	if len(adv.ServiceData) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.serviceData[adv.Address]
	if !ok {
		entry = make(map[string][]byte)
		a.serviceData[adv.Address] = entry
	}
	for k, v := range adv.ServiceData {
		entry[k] = v
	}
}

func (a *HostAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	address = NormalizeAddress(address)

	// The stack's Connect blocks with its own timeout; ctx bounds our wait.
	type connectResult struct {
		device peripheral
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.stack.Connect(address)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A connect that completes after we gave up must not stay open.
		go func() {
			if result := <-ch; result.err == nil {
				if err := result.device.Disconnect(); err != nil {
					slog.Debug("[BLE] late disconnect failed", "address", address, "error", err)
				}
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &hostConnection{adapter: a, address: address, device: result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		slog.Debug("[BLE] connected", "address", address)
		return conn, nil
	}
}

// forget drops conn from the connection table if it is still current.
func (a *HostAdapter) forget(conn *hostConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[conn.address] == conn {
		delete(a.connections, conn.address)
	}
}

// Compile-time check that HostAdapter implements Adapter.
var _ Adapter = (*HostAdapter)(nil)

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func matches(result scanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.hasService != nil && result.hasService(u) {
			return true
		}
		for _, sd := range result.serviceData {
			if sd.UUID == u {
				return true
			}
		}
	}
	return false
}

func toAdvertisement(result scanResult) Advertisement {
	adv := Advertisement{
		Address: NormalizeAddress(result.address),
		Name:    result.localName,
		RSSI:    result.rssi,
	}
	for _, sd := range result.serviceData {
		if adv.ServiceData == nil {
			adv.ServiceData = make(map[string][]byte)
		}
		adv.ServiceData[NormalizeUUID(sd.UUID.String())] = append([]byte(nil), sd.Data...)
	}
	return adv
}

type hostConnection struct {
	adapter *HostAdapter
	address string
	device  peripheral

	mu           sync.Mutex
	disconnectCb func()
}

func (c *hostConnection) Services() ([]string, error) {
	svcs, err := c.device.Services()
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]string, 0, len(svcs))
	for _, s := range svcs {
		slog.Debug("[BLE] device offers service", "address", c.address, "uuid", s.String())
		out = append(out, NormalizeUUID(s.String()))
	}
	return out, nil
}

func (c *hostConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse UUID %q: %w", serviceUUID, err)
	}
	char, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse UUID %q: %w", charUUID, err)
	}

	gc, err := c.device.Characteristic(svc, char)
	if err != nil {
		return nil, fmt.Errorf("ble: %s: %w", c.address, err)
	}
	return &hostCharacteristic{uuid: charUUID, char: gc}, nil
}

func (c *hostConnection) Disconnect() error {
	slog.Debug("[BLE] disconnecting", "address", c.address)
	c.adapter.forget(c)
	return c.device.Disconnect()
}

func (c *hostConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *hostConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hostCharacteristic struct {
	uuid string
	char gattCharacteristic
}

func (c *hostCharacteristic) Write(data []byte) error {
	slog.Debug("[BLE] write", "characteristic", c.uuid, "value", fmt.Sprintf("%x", data))
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hostCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		slog.Debug("[BLE] notification", "characteristic", c.uuid, "value", fmt.Sprintf("%x", buf))
		cb(buf)
	})
}
