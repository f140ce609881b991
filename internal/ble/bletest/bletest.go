// Package bletest provides an in-memory BLE adapter populated with
// scriptable accessories, for exercising code that drives the ble interfaces.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/switchbot-dc/internal/ble"
)

// Accessory is a simulated peripheral.
type Accessory struct {
	Address string
	Name    string
	RSSI    int

	// AdvertisedUUIDs are matched by Scan. When nil, Services is used.
	AdvertisedUUIDs []string
	// Services are the resolved primary services seen after connecting.
	Services []string
	// ServiceData is keyed by service data UUID.
	ServiceData map[string][]byte

	// Respond returns the notification frames emitted after a write.
	// A nil Respond leaves the accessory silent.
	Respond func(write []byte) [][]byte

	ConnectErr   error
	WriteErr     error
	SubscribeErr error
	// ConnectPanic, when non-nil, is raised from Connect.
	ConnectPanic any
}

func (a *Accessory) advertised() []string {
	if a.AdvertisedUUIDs != nil {
		return a.AdvertisedUUIDs
	}
	return a.Services
}

// Adapter is a fake ble.Adapter.
type Adapter struct {
	// ScanErr, when set, fails every Scan.
	ScanErr error

	mu          sync.Mutex
	order       []string
	accessories map[string]*Accessory
	connects    map[string]int
	disconnects map[string]int
	writes      map[string][][]byte
	latest      map[string]*Connection
}

// NewAdapter returns an adapter advertising the given accessories.
func NewAdapter(accessories ...*Accessory) *Adapter {
	a := &Adapter{
		accessories: make(map[string]*Accessory),
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
		writes:      make(map[string][][]byte),
		latest:      make(map[string]*Connection),
	}
	for _, acc := range accessories {
		a.Add(acc)
	}
	return a
}

// Add starts advertising acc.
func (a *Adapter) Add(acc *Accessory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := ble.NormalizeAddress(acc.Address)
	acc.Address = addr
	if _, ok := a.accessories[addr]; !ok {
		a.order = append(a.order, addr)
	}
	a.accessories[addr] = acc
}

// Remove stops advertising the accessory with the given address.
func (a *Adapter) Remove(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := ble.NormalizeAddress(address)
	delete(a.accessories, addr)
	for i, o := range a.order {
		if o == addr {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(_ context.Context, uuids ...string) ([]ble.Advertisement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ScanErr != nil {
		return nil, a.ScanErr
	}
	var out []ble.Advertisement
	for _, addr := range a.order {
		acc := a.accessories[addr]
		if !advertises(acc, uuids) {
			continue
		}
		adv := ble.Advertisement{Address: addr, Name: acc.Name, RSSI: acc.RSSI}
		for k, v := range acc.ServiceData {
			if adv.ServiceData == nil {
				adv.ServiceData = make(map[string][]byte)
			}
			adv.ServiceData[ble.NormalizeUUID(k)] = append([]byte(nil), v...)
		}
		out = append(out, adv)
	}
	return out, nil
}

func advertises(acc *Accessory, uuids []string) bool {
	if len(uuids) == 0 {
		return true
	}
	for _, u := range uuids {
		if ble.HasService(acc.advertised(), u) {
			return true
		}
		for k := range acc.ServiceData {
			if ble.NormalizeUUID(k) == ble.NormalizeUUID(u) {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	addr := ble.NormalizeAddress(address)
	a.mu.Lock()
	a.connects[addr]++
	acc, ok := a.accessories[addr]
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bletest: no accessory at %s", addr)
	}
	if acc.ConnectPanic != nil {
		panic(acc.ConnectPanic)
	}
	if acc.ConnectErr != nil {
		return nil, acc.ConnectErr
	}

	conn := &Connection{adapter: a, accessory: acc}
	a.mu.Lock()
	a.latest[addr] = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *Adapter) ServiceData(_ context.Context, address, serviceDataUUID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accessories[ble.NormalizeAddress(address)]
	if !ok {
		return nil, ble.ErrNoServiceData
	}
	for k, v := range acc.ServiceData {
		if ble.NormalizeUUID(k) == ble.NormalizeUUID(serviceDataUUID) {
			return append([]byte(nil), v...), nil
		}
	}
	return nil, ble.ErrNoServiceData
}

// Connects returns how many times Connect was called for address.
func (a *Adapter) Connects(address string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects[ble.NormalizeAddress(address)]
}

// Disconnects returns how many connections to address were closed.
func (a *Adapter) Disconnects(address string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects[ble.NormalizeAddress(address)]
}

// Writes returns a copy of every payload written to address.
func (a *Adapter) Writes(address string) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	src := a.writes[ble.NormalizeAddress(address)]
	out := make([][]byte, len(src))
	copy(out, src)
	return out
}

// LatestConnection returns the most recent connection to address.
func (a *Adapter) LatestConnection(address string) *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest[ble.NormalizeAddress(address)]
}

var _ ble.Adapter = (*Adapter)(nil)

// Connection is a fake ble.Connection.
type Connection struct {
	adapter   *Adapter
	accessory *Accessory

	mu           sync.Mutex
	notify       func([]byte)
	disconnectCb func()
	closed       bool
}

func (c *Connection) Services() ([]string, error) {
	return append([]string(nil), c.accessory.Services...), nil
}

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if !ble.HasService(c.accessory.Services, serviceUUID) {
		return nil, fmt.Errorf("bletest: service %s not found", serviceUUID)
	}
	return &characteristic{conn: c, uuid: charUUID}, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.adapter.mu.Lock()
		c.adapter.disconnects[c.accessory.Address]++
		c.adapter.mu.Unlock()
	}
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect drops the link from the peripheral side.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.closed = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Connection) deliver(frames [][]byte) {
	c.mu.Lock()
	cb := c.notify
	closed := c.closed
	c.mu.Unlock()
	if cb == nil || closed {
		return
	}
	for _, f := range frames {
		cb(append([]byte(nil), f...))
	}
}

type characteristic struct {
	conn *Connection
	uuid string
}

func (ch *characteristic) Write(data []byte) error {
	acc := ch.conn.accessory
	if acc.WriteErr != nil {
		return acc.WriteErr
	}
	cp := append([]byte(nil), data...)
	a := ch.conn.adapter
	a.mu.Lock()
	a.writes[acc.Address] = append(a.writes[acc.Address], cp)
	a.mu.Unlock()

	if acc.Respond == nil {
		return nil
	}
	frames := acc.Respond(cp)
	// Notifications arrive asynchronously, as they do from a real stack.
	go ch.conn.deliver(frames)
	return nil
}

func (ch *characteristic) Subscribe(cb func([]byte)) error {
	if ch.conn.accessory.SubscribeErr != nil {
		return ch.conn.accessory.SubscribeErr
	}
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.notify = cb
	return nil
}
