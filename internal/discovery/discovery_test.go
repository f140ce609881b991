package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/switchbot-dc/internal/ble/bletest"
	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
	"github.com/chaz8081/switchbot-dc/internal/registry"
)

const prefix = "switchbotbluetooth-"

// recordingRegistry records every registry call in order.
type recordingRegistry struct {
	mu      sync.Mutex
	calls   []string
	sets    []registry.Descriptor
	subs    map[string]bool
	failSet map[string]bool
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{subs: map[string]bool{}, failSet: map[string]bool{}}
}

func (r *recordingRegistry) SetDevice(d registry.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("set %s %s", d.ID, d.State))
	if r.failSet[d.ID] {
		return &registry.PublishError{DeviceID: d.ID, Op: "set device", Err: errors.New("broker gone")}
	}
	r.sets = append(r.sets, d)
	return nil
}

func (r *recordingRegistry) SubscribeCommands(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "sub "+id)
	r.subs[id] = true
	return nil
}

func (r *recordingRegistry) UnsubscribeCommands(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "unsub "+id)
	delete(r.subs, id)
	return nil
}

func (r *recordingRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.sets = nil
}

func (r *recordingRegistry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func curtain(addr string) *bletest.Accessory {
	return &bletest.Accessory{
		Address:  addr,
		Name:     "WoCurtain",
		Services: []string{protocol.ServiceUUID},
	}
}

func testOptions() Options {
	return Options{
		ScanTimeout:    50 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		ScanPeriod:     time.Hour,
		DeviceIDPrefix: prefix,
		DeviceType:     "urn:test:curtain",
	}
}

func set(ids ...string) DeviceSet {
	s := DeviceSet{}
	for _, id := range ids {
		s[id] = Device{ID: id}
	}
	return s
}

func TestCompare(t *testing.T) {
	d := Compare(set("a", "b", "c"), set("b", "c", "d", "e"))
	assert.Equal(t, []string{"d", "e"}, d.Added)
	assert.Equal(t, []string{"a"}, d.Removed)
	assert.Equal(t, []string{"b", "c"}, d.Retained)
}

func TestComparePartitionsEveryID(t *testing.T) {
	cases := []struct{ prev, next DeviceSet }{
		{set(), set()},
		{set(), set("a")},
		{set("a"), set()},
		{set("a", "b"), set("b", "c")},
		{set("x", "y", "z"), set("x", "y", "z")},
	}
	for _, tc := range cases {
		d := Compare(tc.prev, tc.next)

		seen := map[string]int{}
		for _, part := range [][]string{d.Added, d.Removed, d.Retained} {
			for _, id := range part {
				seen[id]++
			}
		}
		for id := range tc.prev {
			assert.Equal(t, 1, seen[id], "prev id %q", id)
		}
		for id := range tc.next {
			assert.Equal(t, 1, seen[id], "next id %q", id)
		}
		assert.Len(t, seen, len(d.Added)+len(d.Removed)+len(d.Retained))
	}
}

func TestCompareIdentical(t *testing.T) {
	s := set("a", "b")
	d := Compare(s, s)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Equal(t, []string{"a", "b"}, d.Retained)
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, prefix+"AA:BB:CC:DD:EE:FF", DeviceID(prefix, "aa:bb:cc:dd:ee:ff"))
}

func TestRefreshAddsVerifiedAdvertiser(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"))
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)

	id := prefix + "AA:BB:CC:DD:EE:01"
	assert.Equal(t, []string{id}, diff.Added)
	assert.Equal(t, 1, adapter.Connects("AA:BB:CC:DD:EE:01"), "first sighting is verified by connecting")
	assert.Equal(t, 1, adapter.Disconnects("AA:BB:CC:DD:EE:01"))
	assert.Equal(t, []string{"sub " + id, "set " + id + " online"}, reg.snapshot())

	require.Len(t, reg.sets, 1)
	assert.Equal(t, registry.Descriptor{ID: id, Name: "WoCurtain", Type: "urn:test:curtain", State: registry.Online}, reg.sets[0])

	d, ok := lookup(r, id)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", d.Address)
}

func TestRefreshRejectsAdvertiserWithoutService(t *testing.T) {
	// Advertises the curtain service but does not resolve it after connecting.
	impostor := &bletest.Accessory{
		Address:         "AA:BB:CC:DD:EE:02",
		AdvertisedUUIDs: []string{protocol.ServiceUUID},
		Services:        []string{"0000180f-0000-1000-8000-00805f9b34fb"},
	}
	adapter := bletest.NewAdapter(impostor)
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, reg.snapshot())
}

func TestRefreshRejectsUnreachableAdvertiser(t *testing.T) {
	acc := curtain("AA:BB:CC:DD:EE:03")
	acc.ConnectErr = errors.New("le-connection-abort-by-local")
	adapter := bletest.NewAdapter(acc)
	r := NewReconciler(adapter, newRecordingRegistry(), testOptions())

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diff.Added)
}

func TestRefreshTrustsKnownDevices(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"))
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	reg.reset()

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)

	id := prefix + "AA:BB:CC:DD:EE:01"
	assert.Equal(t, []string{id}, diff.Retained)
	assert.Equal(t, 1, adapter.Connects("AA:BB:CC:DD:EE:01"), "known devices are not re-verified")
	assert.Equal(t, []string{"set " + id + " online"}, reg.snapshot(), "retained devices are republished")
}

func TestRefreshMarksMissingDeviceOffline(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"), curtain("AA:BB:CC:DD:EE:02"))
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	reg.reset()

	adapter.Remove("AA:BB:CC:DD:EE:02")
	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)

	gone := prefix + "AA:BB:CC:DD:EE:02"
	kept := prefix + "AA:BB:CC:DD:EE:01"
	assert.Equal(t, []string{gone}, diff.Removed)
	assert.Equal(t, []string{kept}, diff.Retained)
	assert.Contains(t, reg.snapshot(), "set "+gone+" offline")
	assert.Contains(t, reg.snapshot(), "unsub "+gone)
	assert.False(t, reg.subs[gone])
	assert.True(t, reg.subs[kept])

	_, ok := lookup(r, gone)
	assert.False(t, ok)
}

func TestRefreshIsolatesPublishFailures(t *testing.T) {
	adapter := bletest.NewAdapter(
		curtain("AA:BB:CC:DD:EE:01"),
		curtain("AA:BB:CC:DD:EE:02"),
		curtain("AA:BB:CC:DD:EE:03"),
	)
	reg := newRecordingRegistry()
	reg.failSet[prefix+"AA:BB:CC:DD:EE:01"] = true
	r := NewReconciler(adapter, reg, testOptions())

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, diff.Added, 3)
	assert.Len(t, r.Snapshot(), 3)

	var published []string
	for _, d := range reg.sets {
		published = append(published, d.ID)
	}
	assert.Equal(t, []string{prefix + "AA:BB:CC:DD:EE:02", prefix + "AA:BB:CC:DD:EE:03"}, published)
}

func TestRefreshScanErrorKeepsSet(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"))
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	reg.reset()

	adapter.ScanErr = errors.New("adapter powered off")
	_, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ScanErr)
	assert.Len(t, r.Snapshot(), 1)
	assert.Empty(t, reg.snapshot())
}

func TestRefreshAcceptsServiceDataAdvertiser(t *testing.T) {
	acc := curtain("AA:BB:CC:DD:EE:04")
	acc.AdvertisedUUIDs = []string{}
	acc.ServiceData = map[string][]byte{protocol.ServiceDataUUID: {0x63, 0xc0, 0x50, 0x32, 0x11}}
	adapter := bletest.NewAdapter(acc)
	r := NewReconciler(adapter, newRecordingRegistry(), testOptions())

	diff, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "AA:BB:CC:DD:EE:04"}, diff.Added)
}

func TestPublishAll(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"), curtain("AA:BB:CC:DD:EE:02"))
	reg := newRecordingRegistry()
	r := NewReconciler(adapter, reg, testOptions())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	reg.reset()

	r.PublishAll()
	assert.Equal(t, []string{
		"set " + prefix + "AA:BB:CC:DD:EE:01 online",
		"set " + prefix + "AA:BB:CC:DD:EE:02 online",
	}, reg.snapshot())
}

func TestRunMarksUnreachableOfflineUntilNextScan(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"))
	reg := newRecordingRegistry()
	opts := testOptions()
	opts.ScanPeriod = 200 * time.Millisecond
	r := NewReconciler(adapter, reg, opts)
	id := prefix + "AA:BB:CC:DD:EE:01"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	close(ready)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, ready)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := lookup(r, id)
		return ok
	}, time.Second, 5*time.Millisecond)

	r.ReportUnreachable(id)
	require.Eventually(t, func() bool {
		d, _ := lookup(r, id)
		return d.State == registry.Offline
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, reg.snapshot(), "set "+id+" offline")

	// The next scan sees it again.
	require.Eventually(t, func() bool {
		d, _ := lookup(r, id)
		return d.State == registry.Online
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWaitsForReady(t *testing.T) {
	adapter := bletest.NewAdapter(curtain("AA:BB:CC:DD:EE:01"))
	r := NewReconciler(adapter, newRecordingRegistry(), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go r.Run(ctx, ready)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.Snapshot(), "no scan before the broker is ready")

	close(ready)
	assert.Eventually(t, func() bool { return len(r.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReportUnreachableUnknownDevice(t *testing.T) {
	reg := newRecordingRegistry()
	r := NewReconciler(bletest.NewAdapter(), reg, testOptions())
	r.markOffline("nope")
	assert.Empty(t, reg.snapshot())
}

func lookup(r *Reconciler, id string) (Device, bool) {
	d, ok := r.Snapshot()[id]
	return d, ok
}
