package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanFor enables the adapter and scans for advertisers announcing any of
// uuids, bounded by timeout.
func ScanFor(ctx context.Context, adapter Adapter, timeout time.Duration, uuids ...string) ([]Advertisement, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	advs, err := adapter.Scan(ctx, uuids...)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return advs, nil
}
