package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/switchbot-dc/internal/ble"
	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
	"github.com/chaz8081/switchbot-dc/internal/registry"
	"github.com/chaz8081/switchbot-dc/internal/tracer"
)

// Registry receives device lifecycle updates.
type Registry interface {
	SetDevice(d registry.Descriptor) error
	SubscribeCommands(deviceID string) error
	UnsubscribeCommands(deviceID string) error
}

// Options configures scanning and device identity.
type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	ScanPeriod     time.Duration
	DeviceIDPrefix string
	DeviceType     string
}

// Reconciler scans for accessories and publishes the differences between
// consecutive scans. The current set is only mutated by Refresh and by
// unreachable reports handled inside Run.
type Reconciler struct {
	adapter  ble.Adapter
	registry Registry
	opts     Options

	mu      sync.RWMutex
	current DeviceSet

	unreachable chan string
}

// NewReconciler creates a Reconciler with an empty device set.
func NewReconciler(adapter ble.Adapter, reg Registry, opts Options) *Reconciler {
	return &Reconciler{
		adapter:     adapter,
		registry:    reg,
		opts:        opts,
		current:     make(DeviceSet),
		unreachable: make(chan string, 16),
	}
}

// Snapshot returns a consistent copy of the current device set.
func (r *Reconciler) Snapshot() DeviceSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Refresh scans once, replaces the current set with the confirmed matches,
// and publishes the resulting diff. A failed scan leaves the set untouched.
func (r *Reconciler) Refresh(ctx context.Context) (Diff, error) {
	ctx, span := tracer.StartSpan(ctx, "discovery.refresh")
	defer span.End()

	prev := r.Snapshot()

	advs, err := ble.ScanFor(ctx, r.adapter, r.opts.ScanTimeout, protocol.ServiceUUID, protocol.ServiceDataUUID)
	if err != nil {
		tracer.RecordError(span, err)
		return Diff{}, fmt.Errorf("discovery: %w", err)
	}

	next := make(DeviceSet)
	for _, adv := range advs {
		id := DeviceID(r.opts.DeviceIDPrefix, adv.Address)
		if _, seen := next[id]; seen {
			continue
		}
		if _, known := prev[id]; !known && !r.verify(ctx, adv.Address) {
			continue
		}
		next[id] = Device{
			ID:      id,
			Address: ble.NormalizeAddress(adv.Address),
			Name:    adv.DisplayName(),
			Type:    r.opts.DeviceType,
			State:   registry.Online,
		}
	}

	diff := Compare(prev, next)

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	slog.Info("[DISCOVERY] scan complete",
		"seen", len(advs), "added", len(diff.Added), "removed", len(diff.Removed), "retained", len(diff.Retained))
	span.SetAttributes(
		tracer.IntAttr("discovery.added", len(diff.Added)),
		tracer.IntAttr("discovery.removed", len(diff.Removed)),
		tracer.IntAttr("discovery.retained", len(diff.Retained)),
	)

	for _, id := range diff.Added {
		d := next[id]
		slog.Info("[DISCOVERY] found device", "device_id", id, "name", d.Name)
		logFailure(r.registry.SubscribeCommands(id), r.registry.SetDevice(d.Descriptor()))
	}
	for _, id := range diff.Removed {
		d := prev[id]
		d.State = registry.Offline
		slog.Info("[DISCOVERY] lost device", "device_id", id, "name", d.Name)
		logFailure(r.registry.SetDevice(d.Descriptor()), r.registry.UnsubscribeCommands(id))
	}
	for _, id := range diff.Retained {
		logFailure(r.registry.SetDevice(next[id].Descriptor()))
	}

	tracer.SetOK(span)
	return diff, nil
}

// verify connects to a first-time advertiser and confirms it offers the
// curtain service.
func (r *Reconciler) verify(ctx context.Context, address string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	conn, err := r.adapter.Connect(ctx, address)
	if err != nil {
		slog.Debug("[DISCOVERY] could not verify advertiser", "address", address, "error", err)
		return false
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[DISCOVERY] disconnect failed", "address", address, "error", err)
		}
	}()

	services, err := conn.Services()
	if err != nil {
		slog.Debug("[DISCOVERY] service listing failed", "address", address, "error", err)
		return false
	}
	return ble.HasService(services, protocol.ServiceUUID)
}

// PublishAll republishes every device in the current set.
func (r *Reconciler) PublishAll() {
	snap := r.Snapshot()
	for _, id := range snap.IDs() {
		logFailure(r.registry.SetDevice(snap[id].Descriptor()))
	}
}

// ReportUnreachable asks Run to mark id offline. It never blocks.
func (r *Reconciler) ReportUnreachable(id string) {
	select {
	case r.unreachable <- id:
	default:
		slog.Warn("[DISCOVERY] unreachable report dropped", "device_id", id)
	}
}

// markOffline flips a known online device to offline and republishes it.
func (r *Reconciler) markOffline(id string) {
	r.mu.Lock()
	d, ok := r.current[id]
	if !ok || d.State == registry.Offline {
		r.mu.Unlock()
		return
	}
	d.State = registry.Offline
	r.current[id] = d
	r.mu.Unlock()

	slog.Info("[DISCOVERY] device unreachable", "device_id", id)
	logFailure(r.registry.SetDevice(d.Descriptor()))
}

// Run waits for ready to close, refreshes, and then refreshes every scan
// period until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ready:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(r.opts.ScanPeriod)
	defer ticker.Stop()

	r.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshLogged(ctx)
		case id := <-r.unreachable:
			r.markOffline(id)
		}
	}
}

func (r *Reconciler) refreshLogged(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("[DISCOVERY] refresh failed", "error", err)
	}
}

func logFailure(errs ...error) {
	for _, err := range errs {
		if err != nil {
			slog.Error("[DISCOVERY] registry update failed", "error", err)
		}
	}
}
