package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/switchbot-dc/internal/ble"
	"github.com/chaz8081/switchbot-dc/internal/command"
	"github.com/chaz8081/switchbot-dc/internal/config"
	"github.com/chaz8081/switchbot-dc/internal/discovery"
	"github.com/chaz8081/switchbot-dc/internal/mqtt"
	"github.com/chaz8081/switchbot-dc/internal/registry"
	"github.com/chaz8081/switchbot-dc/internal/router"
	"github.com/chaz8081/switchbot-dc/internal/tracer"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/switchbot-dc/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d := startDelay(cfg.StartDelay, rand.Int64N); d > 0 {
		log.Printf("Delaying startup by %s", d.Round(time.Millisecond))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}

	shutdownTracing, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// BLE adapter and command engine
	adapter := ble.NewHostAdapter(cfg.Discovery.Adapter)
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable BLE adapter %s: %v", cfg.Discovery.Adapter, err)
	}
	log.Printf("BLE adapter %s ready", cfg.Discovery.Adapter)

	engine := command.NewEngine(adapter, command.Options{
		ConnectTimeout:       cfg.Discovery.ConnectTimeout,
		CommandTimeout:       cfg.Discovery.CommandTimeout,
		AdvertisementTimeout: cfg.Discovery.ScanTimeout,
		MaxRetries:           cfg.Discovery.CommandRetries,
		RetryDelay:           cfg.Discovery.CommandRetryWait,
	})

	// Broker session; the router is attached once built.
	var rt *router.Router
	mqttOpts := mqtt.DefaultOptions(cfg.BrokerURL(), cfg.Client.ID)
	mqttOpts.CleanSession = cfg.Client.CleanSession
	mqttOpts.KeepAlive = cfg.Client.KeepAlive
	client := mqtt.NewClient(mqttOpts, func(topic string, payload []byte) {
		rt.HandleMessage(topic, payload)
	})

	publisher := registry.NewPublisher(client, cfg.Client.ID)
	reconciler := discovery.NewReconciler(adapter, publisher, discovery.Options{
		ScanTimeout:    cfg.Discovery.ScanTimeout,
		ConnectTimeout: cfg.Discovery.ConnectTimeout,
		ScanPeriod:     cfg.Discovery.ScanPeriod,
		DeviceIDPrefix: cfg.Discovery.DeviceIDPrefix,
		DeviceType:     cfg.Registry.DeviceType,
	})
	rt = router.New(engine, publisher, reconciler, router.Options{
		DeviceIDPrefix:  cfg.Discovery.DeviceIDPrefix,
		Services:        serviceMap(cfg.Registry),
		RefreshInterval: time.Second,
	})

	if err := client.Subscribe(registry.RefreshTopic, registry.QoSCommand); err != nil {
		log.Fatalf("subscribe %s: %v", registry.RefreshTopic, err)
	}
	// Re-announce every known device whenever the session is re-established.
	client.OnConnect(reconciler.PublishAll)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := client.Connect(ctx); err != nil {
			slog.Error("[MQTT] giving up on broker", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		reconciler.Run(ctx, client.Ready())
	}()
	go func() {
		defer wg.Done()
		rt.Run(ctx)
	}()

	log.Println("Ready! Ctrl+C to quit.")
	<-ctx.Done()
	log.Println("Shutting down...")
	wg.Wait()
	client.Disconnect()
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// startDelay picks a random delay in [Min, Max] when enabled.
func startDelay(cfg config.StartDelayConfig, int64n func(int64) int64) time.Duration {
	if !cfg.Enabled || cfg.Max <= 0 {
		return 0
	}
	span := int64(cfg.Max - cfg.Min)
	if span <= 0 {
		return cfg.Min
	}
	return cfg.Min + time.Duration(int64n(span+1))
}

// serviceMap maps the configured service names onto engine commands.
func serviceMap(cfg config.RegistryConfig) map[string]command.Type {
	return map[string]command.Type{
		cfg.ServiceStatus:      command.Status,
		cfg.ServiceSetPosition: command.SetPosition,
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== switchbot-dc ===")
	fmt.Printf("  Broker:   %s (client %s)\n", cfg.BrokerURL(), cfg.Client.ID)
	fmt.Printf("  Adapter:  %s\n", cfg.Discovery.Adapter)
	fmt.Printf("  Scan:     every %s, %s window\n", cfg.Discovery.ScanPeriod, cfg.Discovery.ScanTimeout)
	fmt.Printf("  Retries:  %d (wait %s)\n", cfg.Discovery.CommandRetries, cfg.Discovery.CommandRetryWait)
	fmt.Printf("  Services: %s, %s\n", cfg.Registry.ServiceStatus, cfg.Registry.ServiceSetPosition)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
