// Package mqtt wraps the paho client with connect backoff and a
// subscription table that is replayed every time the session is
// (re)established.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures the broker session.
type Options struct {
	BrokerURL    string
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
	// OperationTimeout bounds publish, subscribe and unsubscribe acks.
	OperationTimeout time.Duration
	// ReconnectMax caps the backoff between connect attempts.
	ReconnectMax time.Duration
}

// DefaultOptions returns production defaults for the given broker.
func DefaultOptions(brokerURL, clientID string) Options {
	return Options{
		BrokerURL:        brokerURL,
		ClientID:         clientID,
		KeepAlive:        10 * time.Second,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 10 * time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// MessageHandler receives every inbound message. It runs on a paho
// goroutine and must not block for long.
type MessageHandler func(topic string, payload []byte)

// Client is a broker session.
type Client struct {
	opts    Options
	handler MessageHandler
	client  paho.Client

	mu        sync.Mutex
	subs      map[string]byte
	onConnect []func()

	ready     chan struct{}
	readyOnce sync.Once
}

// NewClient creates a Client. Call Connect to start the session.
func NewClient(opts Options, handler MessageHandler) *Client {
	return newClient(opts, handler, paho.NewClient)
}

func newClient(opts Options, handler MessageHandler, factory func(*paho.ClientOptions) paho.Client) *Client {
	def := DefaultOptions(opts.BrokerURL, opts.ClientID)
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = def.KeepAlive
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}

	c := &Client{
		opts:    opts,
		handler: handler,
		subs:    make(map[string]byte),
		ready:   make(chan struct{}),
	}

	po := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(opts.CleanSession).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(opts.ReconnectMax).
		// Handlers may publish and wait for acks.
		SetOrderMatters(false).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(c.onConnected).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("[MQTT] connection lost", "error", err)
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			slog.Info("[MQTT] reconnecting", "broker", opts.BrokerURL)
		})
	c.client = factory(po)
	return c
}

// backoffDelay returns the delay before connect attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Connect blocks until the first session is established or ctx is done.
// Later connection losses are recovered by paho's auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		tok := c.client.Connect()
		err := c.wait(tok, c.opts.ConnectTimeout, "connect", c.opts.BrokerURL)
		if err == nil {
			return nil
		}

		delay := backoffDelay(attempt, c.opts.ReconnectMax)
		slog.Warn("[MQTT] connect failed", "broker", c.opts.BrokerURL, "error", err, "attempt", attempt+1, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("mqtt: connect %s: %w", c.opts.BrokerURL, ctx.Err())
		case <-t.C:
		}
	}
}

// Ready is closed once the first session is established.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// OnConnect registers fn to run after every (re)connect, once the
// subscription table has been replayed.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) onConnected(pc paho.Client) {
	slog.Info("[MQTT] connected", "broker", c.opts.BrokerURL, "client_id", c.opts.ClientID)

	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for topic, qos := range c.subscriptions() {
		if err := c.wait(pc.Subscribe(topic, qos, nil), c.opts.OperationTimeout, "subscribe", topic); err != nil {
			slog.Error("[MQTT] resubscribe failed", "topic", topic, "error", err)
		}
	}

	c.readyOnce.Do(func() { close(c.ready) })

	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	slog.Debug("[MQTT] message", "topic", msg.Topic(), "bytes", len(msg.Payload()))
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload())
	}
}

// Publish sends payload and waits for the broker ack.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("mqtt: publish %q: %w", topic, ErrNotConnected)
	}
	return c.wait(c.client.Publish(topic, qos, false, payload), c.opts.OperationTimeout, "publish", topic)
}

// Subscribe adds topic to the subscription table. While disconnected the
// subscription is deferred to the next connect.
func (c *Client) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	c.subs[topic] = qos
	c.mu.Unlock()

	if !c.client.IsConnected() {
		slog.Debug("[MQTT] subscription deferred", "topic", topic)
		return nil
	}
	return c.wait(c.client.Subscribe(topic, qos, nil), c.opts.OperationTimeout, "subscribe", topic)
}

// Unsubscribe removes topic from the subscription table.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}
	return c.wait(c.client.Unsubscribe(topic), c.opts.OperationTimeout, "unsubscribe", topic)
}

// subscriptions returns the current subscription table.
func (c *Client) subscriptions() map[string]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]byte, len(c.subs))
	for topic, qos := range c.subs {
		out[topic] = qos
	}
	return out
}

// Disconnect closes the session, allowing in-flight work a short grace period.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	slog.Info("[MQTT] disconnected", "broker", c.opts.BrokerURL)
}

func (c *Client) wait(tok paho.Token, timeout time.Duration, op, target string) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: %s %q: timed out after %s", op, target, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: %s %q: %w", op, target, err)
	}
	return nil
}
