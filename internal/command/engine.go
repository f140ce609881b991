// Package command executes status and set-position commands against curtain
// accessories: it drives the write/notify exchange over BLE, validates the
// accessory's response codes, decodes results, and retries failed attempts.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/switchbot-dc/internal/ble"
	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
	"github.com/chaz8081/switchbot-dc/internal/tracer"
)

// Type identifies a supported command.
type Type int

const (
	Status Type = iota + 1
	SetPosition
)

func (t Type) String() string {
	switch t {
	case Status:
		return "status"
	case SetPosition:
		return "set_position"
	default:
		return fmt.Sprintf("command(%d)", int(t))
	}
}

// TargetPositionField is the set-position payload key.
const TargetPositionField = "target_position"

// Options configures timing and retry behavior.
type Options struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// AdvertisementTimeout bounds the service data lookup after a status exchange.
	AdvertisementTimeout time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:       2 * time.Second,
		CommandTimeout:       3 * time.Second,
		AdvertisementTimeout: 5 * time.Second,
		MaxRetries:           2,
		RetryDelay:           3 * time.Second,
	}
}

// Engine runs commands one at a time over a BLE adapter.
type Engine struct {
	adapter ble.Adapter
	opts    Options

	// mu keeps a single command in flight.
	mu sync.Mutex
}

// NewEngine creates an Engine. Non-positive timeouts fall back to defaults.
func NewEngine(adapter ble.Adapter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.AdvertisementTimeout <= 0 {
		opts.AdvertisementTimeout = def.AdvertisementTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Engine{adapter: adapter, opts: opts}
}

// Execute runs cmd against the accessory at address. It returns the
// command result, a *ValidationError for bad input, or a
// *RetryExhaustedError wrapping the last attempt's failure.
func (e *Engine) Execute(ctx context.Context, address string, cmd Type, payload map[string]any) (map[string]any, error) {
	var target *byte
	switch cmd {
	case Status:
	case SetPosition:
		t, err := TargetPosition(payload)
		if err != nil {
			return nil, err
		}
		target = &t
	default:
		return nil, &ValidationError{Reason: cmd.String(), Err: ErrUnknownCommand}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	execID := ulid.Make().String()
	log := slog.With("exec_id", execID, "address", address, "command", cmd.String())

	ctx, span := tracer.StartSpan(ctx, "command.execute",
		trace.WithAttributes(
			tracer.StringAttr("device.address", address),
			tracer.StringAttr("command.type", cmd.String()),
			tracer.StringAttr("command.exec_id", execID),
		),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		s := newSession(target, attempt)
		result, err := e.attempt(ctx, address, cmd, s)
		if err == nil {
			span.SetAttributes(tracer.IntAttr("command.attempts", attempt+1))
			tracer.SetOK(span)
			log.Debug("[CMD] completed", "attempts", attempt+1)
			return result, nil
		}
		log.Error("[CMD] execution failed", "attempt", attempt+1, "state", s.state.String(), "error", err)

		if attempt >= e.opts.MaxRetries {
			exhausted := &RetryExhaustedError{Attempts: attempt + 1, Err: err}
			tracer.RecordError(span, exhausted)
			return nil, exhausted
		}

		log.Info("[CMD] retrying", "retry", attempt+1, "delay", e.opts.RetryDelay)
		if serr := sleepCtx(ctx, e.opts.RetryDelay); serr != nil {
			exhausted := &RetryExhaustedError{Attempts: attempt + 1, Err: err}
			tracer.RecordError(span, exhausted)
			return nil, exhausted
		}
	}
}

// attempt runs one Idle → Connecting → AwaitingReady → Exchanging pass and
// decodes the result.
func (e *Engine) attempt(ctx context.Context, address string, cmd Type, s *session) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TransportError{Op: "transport", Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			s.state = stateFailed
		}
	}()

	_, span := tracer.StartSpan(ctx, "command.attempt",
		trace.WithAttributes(tracer.IntAttr("command.retry", s.retriesUsed)))
	defer span.End()

	ex := statusExchange()
	if cmd == SetPosition {
		ex = setPositionExchange(*s.target)
	}

	// The watchdog bounds the whole exchange, connect included.
	watchdog, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout+e.opts.CommandTimeout)
	defer cancel()

	s.state = stateConnecting
	conn, err := e.adapter.Connect(watchdog, address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	teardown := sync.OnceFunc(func() {
		if derr := conn.Disconnect(); derr != nil {
			slog.Debug("[CMD] disconnect failed", "address", address, "error", derr)
		}
	})
	defer teardown()

	lost := make(chan struct{})
	conn.OnDisconnect(sync.OnceFunc(func() { close(lost) }))

	s.state = stateAwaitingReady
	rx, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.RXCharUUID)
	if err != nil {
		return nil, &TransportError{Op: "discover rx characteristic", Err: err}
	}
	tx, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.TXCharUUID)
	if err != nil {
		return nil, &TransportError{Op: "discover tx characteristic", Err: err}
	}

	frames := make(chan []byte, len(ex.limits))
	if err := rx.Subscribe(func(data []byte) {
		frame := append([]byte(nil), data...)
		select {
		case frames <- frame:
		case <-watchdog.Done():
		}
	}); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	if err := tx.Write(ex.writes[0]); err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}

	s.state = stateExchanging
	dropped := (<-chan struct{})(lost)
	for !s.confirmed {
		select {
		case <-watchdog.Done():
			return nil, &TransportError{Op: "exchange", Err: ErrNoConnection}
		case <-dropped:
			if len(frames) == 0 {
				return nil, &TransportError{Op: "exchange", Err: ble.ErrDisconnected}
			}
			// Frames that arrived before the link dropped still count.
			dropped = nil
		case frame := <-frames:
			next := s.receive(ex, frame)
			if next == nil {
				continue
			}
			if err := tx.Write(next); err != nil {
				return nil, &TransportError{Op: "write", Err: err}
			}
		}
	}
	teardown()
	s.state = stateCompleted
	slog.Debug("[CMD] exchange complete", "address", address, "frames", s.frameCount, "result", fmt.Sprintf("%x", s.result))

	if cmd == SetPosition {
		if err := protocol.CheckResponse(s.result); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	return e.decodeStatus(ctx, address, s.result)
}

func (e *Engine) decodeStatus(ctx context.Context, address string, result []byte) (map[string]any, error) {
	if err := protocol.CheckResponse(result); err != nil {
		return nil, err
	}

	advCtx, cancel := context.WithTimeout(ctx, e.opts.AdvertisementTimeout)
	defer cancel()
	adv, err := e.adapter.ServiceData(advCtx, address, protocol.ServiceDataUUID)
	if err != nil {
		return nil, &TransportError{Op: "service data", Err: err}
	}
	slog.Debug("[CMD] service data", "address", address, "value", fmt.Sprintf("%x", adv))

	rec, err := protocol.DecodeStatus(result, adv)
	if err != nil {
		return nil, err
	}
	return rec.Fields(), nil
}

// TargetPosition extracts the set-position target from a decoded JSON
// payload. Values above 100 are accepted as long as they fit in a byte.
func TargetPosition(payload map[string]any) (byte, error) {
	raw, ok := payload[TargetPositionField]
	if !ok || raw == nil {
		return 0, &ValidationError{Field: TargetPositionField, Reason: "missing input"}
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, &ValidationError{Field: TargetPositionField, Reason: "not a number", Err: err}
		}
		v = f
	default:
		return 0, &ValidationError{Field: TargetPositionField, Reason: fmt.Sprintf("unsupported type %T", raw)}
	}

	if v != math.Trunc(v) {
		return 0, &ValidationError{Field: TargetPositionField, Reason: fmt.Sprintf("%v is not an integer", v)}
	}
	if v < 0 || v > math.MaxUint8 {
		return 0, &ValidationError{Field: TargetPositionField, Reason: fmt.Sprintf("%v out of range", v)}
	}
	return byte(v), nil
}

// IsTransportFailure reports whether err ends in a TransportError, i.e. the
// accessory could not be reached rather than refusing the command.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
