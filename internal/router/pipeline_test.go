package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/switchbot-dc/internal/ble/bletest"
	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
	"github.com/chaz8081/switchbot-dc/internal/command"
	"github.com/chaz8081/switchbot-dc/internal/discovery"
	"github.com/chaz8081/switchbot-dc/internal/registry"
	"github.com/chaz8081/switchbot-dc/internal/router"
)

const (
	prefix  = "switchbotbluetooth-"
	address = "AA:BB:CC:DD:EE:01"
)

type message struct {
	topic   string
	payload string
}

// loopbackBroker records publishes and routes nothing back.
type loopbackBroker struct {
	mu        sync.Mutex
	published []message
	subs      map[string]bool
}

func (b *loopbackBroker) Publish(topic string, _ byte, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, message{topic, string(payload)})
	return nil
}

func (b *loopbackBroker) Subscribe(topic string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = true
	return nil
}

func (b *loopbackBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *loopbackBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

func (b *loopbackBroker) find(prefix string) []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []message
	for _, m := range b.published {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type pipeline struct {
	adapter    *bletest.Adapter
	broker     *loopbackBroker
	reconciler *discovery.Reconciler
	router     *router.Router
}

func newPipeline(t *testing.T, acc *bletest.Accessory) *pipeline {
	t.Helper()
	p := &pipeline{
		adapter: bletest.NewAdapter(acc),
		broker:  &loopbackBroker{subs: map[string]bool{}},
	}
	pub := registry.NewPublisher(p.broker, "switchbotcloud-dc")
	engine := command.NewEngine(p.adapter, command.Options{
		ConnectTimeout:       20 * time.Millisecond,
		CommandTimeout:       50 * time.Millisecond,
		AdvertisementTimeout: 20 * time.Millisecond,
		MaxRetries:           1,
	})
	p.reconciler = discovery.NewReconciler(p.adapter, pub, discovery.Options{
		ScanTimeout:    20 * time.Millisecond,
		ConnectTimeout: 20 * time.Millisecond,
		ScanPeriod:     time.Hour,
		DeviceIDPrefix: prefix,
		DeviceType:     "urn:test:curtain",
	})
	p.router = router.New(engine, pub, p.reconciler, router.Options{
		DeviceIDPrefix: prefix,
		Services: map[string]command.Type{
			"status":       command.Status,
			"set_position": command.SetPosition,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	close(ready)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.reconciler.Run(ctx, ready) }()
	go func() { defer wg.Done(); p.router.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// The descriptor is published after the command subscription.
	require.Eventually(t, func() bool {
		return len(p.broker.find("device-manager/device/")) > 0
	}, time.Second, 5*time.Millisecond)
	return p
}

func TestPipelineSetPosition(t *testing.T) {
	p := newPipeline(t, &bletest.Accessory{
		Address:  address,
		Name:     "WoCurtain",
		Services: []string{protocol.ServiceUUID},
		Respond:  func([]byte) [][]byte { return [][]byte{{protocol.ResponseCodeOK}} },
	})

	assert.True(t, p.broker.subscribed("command/"+prefix+address+"/+"))
	devices := p.broker.find("device-manager/device/switchbotcloud-dc")
	require.NotEmpty(t, devices)
	assert.Contains(t, devices[0].payload, `"state":"online"`)

	p.router.HandleMessage("command/"+prefix+address+"/set_position",
		[]byte(`{"command_id":"c1","data":"{\"target_position\": 25}"}`))

	require.Eventually(t, func() bool {
		return len(p.broker.find("response/")) == 1
	}, time.Second, 5*time.Millisecond)

	resp := p.broker.find("response/")[0]
	assert.Equal(t, "response/"+prefix+address+"/set_position", resp.topic)
	var env registry.CommandEnvelope
	require.NoError(t, json.Unmarshal([]byte(resp.payload), &env))
	assert.Equal(t, "c1", env.CommandID)
	assert.Equal(t, "{}", env.Data)
}

func TestPipelineUnreachableGoesOffline(t *testing.T) {
	acc := &bletest.Accessory{
		Address:  address,
		Name:     "WoCurtain",
		Services: []string{protocol.ServiceUUID},
	}
	p := newPipeline(t, acc)
	acc.ConnectErr = errors.New("le-connection-abort-by-local")

	p.router.HandleMessage("command/"+prefix+address+"/status", []byte(`{"command_id":"c2","data":""}`))

	require.Eventually(t, func() bool {
		return len(p.broker.find("error/command/c2")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, p.broker.find("error/command/c2")[0].payload, "out of retries after 2 attempts")

	require.Eventually(t, func() bool {
		return p.reconciler.Snapshot()[prefix+address].State == registry.Offline
	}, time.Second, 5*time.Millisecond)
}
