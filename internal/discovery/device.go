// Package discovery keeps the set of curtain accessories in BLE range in
// sync with the device registry.
package discovery

import (
	"sort"

	"github.com/chaz8081/switchbot-dc/internal/ble"
	"github.com/chaz8081/switchbot-dc/internal/registry"
)

// Device is a confirmed curtain accessory.
type Device struct {
	ID      string
	Address string
	Name    string
	Type    string
	State   registry.State
}

// Descriptor returns the registry view of d.
func (d Device) Descriptor() registry.Descriptor {
	return registry.Descriptor{ID: d.ID, Name: d.Name, Type: d.Type, State: d.State}
}

// DeviceID builds the registry id for the accessory at address.
func DeviceID(prefix, address string) string {
	return prefix + ble.NormalizeAddress(address)
}

// DeviceSet maps device id to device.
type DeviceSet map[string]Device

// IDs returns the set's ids in sorted order.
func (s DeviceSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy of s.
func (s DeviceSet) Clone() DeviceSet {
	out := make(DeviceSet, len(s))
	for id, d := range s {
		out[id] = d
	}
	return out
}

// Diff partitions the ids of two consecutive device sets.
type Diff struct {
	Added    []string
	Removed  []string
	Retained []string
}

// Compare computes the Diff from prev to next. Every id of prev and next
// lands in exactly one partition. Partitions are sorted.
func Compare(prev, next DeviceSet) Diff {
	var d Diff
	for _, id := range next.IDs() {
		if _, ok := prev[id]; ok {
			d.Retained = append(d.Retained, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
