// Command switchbot-probe is a manual test for curtain accessories in range.
// It scans once, or runs a single command against one accessory and prints
// the decoded result.
//
// Usage:
//
//	go run ./cmd/switchbot-probe [--adapter hci0] scan
//	go run ./cmd/switchbot-probe [--adapter hci0] status AA:BB:CC:DD:EE:FF
//	go run ./cmd/switchbot-probe [--adapter hci0] set AA:BB:CC:DD:EE:FF 40
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/chaz8081/switchbot-dc/internal/ble"
	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
	"github.com/chaz8081/switchbot-dc/internal/command"
)

func main() {
	adapterID := flag.String("adapter", "hci0", "HCI adapter id")
	scanFor := flag.Duration("window", 5*time.Second, "scan window")
	retries := flag.Int("retries", 0, "command retries")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	adapter := ble.NewHostAdapter(*adapterID)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "scan":
		err = scan(ctx, adapter, *scanFor)
	case "status", "set":
		err = run(ctx, adapter, args, command.Options{
			AdvertisementTimeout: *scanFor,
			MaxRetries:           *retries,
		})
	default:
		usage()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: switchbot-probe [flags] scan | status <address> | set <address> <position>")
	flag.PrintDefaults()
	os.Exit(2)
}

func scan(ctx context.Context, adapter ble.Adapter, window time.Duration) error {
	fmt.Printf("Scanning for %s...\n", window)
	advs, err := ble.ScanFor(ctx, adapter, window, protocol.ServiceUUID, protocol.ServiceDataUUID)
	if err != nil {
		return err
	}
	if len(advs) == 0 {
		fmt.Println("No curtain accessories found.")
		return nil
	}
	for _, adv := range advs {
		fmt.Printf("  %s  %-20s RSSI %d\n", adv.Address, adv.DisplayName(), adv.RSSI)
	}
	return nil
}

func run(ctx context.Context, adapter ble.Adapter, args []string, opts command.Options) error {
	if len(args) < 2 {
		usage()
	}
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	address := ble.NormalizeAddress(args[1])
	cmd := command.Status
	payload := map[string]any{}
	if args[0] == "set" {
		if len(args) < 3 {
			usage()
		}
		pos, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("position %q: %w", args[2], err)
		}
		cmd = command.SetPosition
		payload[command.TargetPositionField] = pos
	}

	engine := command.NewEngine(adapter, opts)
	start := time.Now()
	result, err := engine.Execute(ctx, address, cmd, payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s on %s completed in %s\n%s\n", cmd, address, time.Since(start).Round(time.Millisecond), out)
	return nil
}
