// Package router dispatches inbound broker messages: refresh requests
// republish the device set, and command requests are executed one at a
// time by a single worker.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/switchbot-dc/internal/command"
	"github.com/chaz8081/switchbot-dc/internal/registry"
)

// ErrQueueFull is reported to callers when commands arrive faster than
// the worker drains them.
var ErrQueueFull = errors.New("router: command queue full")

// Executor runs a command against the accessory at address.
type Executor interface {
	Execute(ctx context.Context, address string, cmd command.Type, payload map[string]any) (map[string]any, error)
}

// Responder publishes command outcomes.
type Responder interface {
	Respond(deviceID, service, commandID string, result map[string]any) error
	RespondError(commandID string, cause error) error
}

// Devices is the discovery side the router talks to.
type Devices interface {
	PublishAll()
	ReportUnreachable(deviceID string)
}

// Options configures service routing.
type Options struct {
	DeviceIDPrefix string
	// Services maps service names to engine commands.
	Services  map[string]command.Type
	QueueSize int
	// RefreshInterval is the minimum spacing between honored refresh
	// requests. Zero honors every request.
	RefreshInterval time.Duration
}

type request struct {
	deviceID  string
	service   string
	commandID string
	data      map[string]any
	decodeErr error
}

// Router routes broker messages.
type Router struct {
	exec    Executor
	resp    Responder
	devices Devices
	opts    Options
	queue   chan request
	refresh *rate.Limiter
}

// New creates a Router. Call Run to start the command worker.
func New(exec Executor, resp Responder, devices Devices, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	limit := rate.Inf
	if opts.RefreshInterval > 0 {
		limit = rate.Every(opts.RefreshInterval)
	}
	return &Router{
		exec:    exec,
		resp:    resp,
		devices: devices,
		opts:    opts,
		queue:   make(chan request, opts.QueueSize),
		refresh: rate.NewLimiter(limit, 1),
	}
}

// HandleMessage is the broker message handler. It never waits on BLE.
func (r *Router) HandleMessage(topic string, payload []byte) {
	if topic == registry.RefreshTopic {
		if !r.refresh.Allow() {
			slog.Debug("[ROUTER] refresh throttled")
			return
		}
		slog.Info("[ROUTER] refresh requested")
		go r.devices.PublishAll()
		return
	}

	deviceID, service, err := registry.ParseCommandTopic(topic)
	if err != nil {
		slog.Warn("[ROUTER] unroutable message", "topic", topic, "error", err)
		return
	}

	commandID, data, err := registry.DecodeCommandRequest(payload)
	if commandID == "" {
		slog.Error("[ROUTER] dropping command without id", "topic", topic, "error", err)
		return
	}

	req := request{deviceID: deviceID, service: service, commandID: commandID, data: data, decodeErr: err}
	select {
	case r.queue <- req:
	default:
		slog.Error("[ROUTER] command queue full", "device_id", deviceID, "command_id", commandID)
		go r.respondError(req, ErrQueueFull)
	}
}

// Run executes queued commands until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.queue:
			r.handle(ctx, req)
		}
	}
}

func (r *Router) handle(ctx context.Context, req request) {
	log := slog.With("device_id", req.deviceID, "service", req.service, "command_id", req.commandID)

	if req.decodeErr != nil {
		r.respondError(req, &command.ValidationError{Reason: "malformed command data", Err: req.decodeErr})
		return
	}

	cmd, ok := r.opts.Services[req.service]
	if !ok {
		r.respondError(req, fmt.Errorf("router: unknown service %q: %w", req.service, command.ErrUnknownCommand))
		return
	}

	address := strings.TrimPrefix(req.deviceID, r.opts.DeviceIDPrefix)
	log.Info("[ROUTER] executing command")
	result, err := r.exec.Execute(ctx, address, cmd, req.data)
	if err != nil {
		log.Error("[ROUTER] command failed", "error", err)
		var exhausted *command.RetryExhaustedError
		if errors.As(err, &exhausted) && command.IsTransportFailure(err) {
			r.devices.ReportUnreachable(req.deviceID)
		}
		r.respondError(req, err)
		return
	}

	if err := r.resp.Respond(req.deviceID, req.service, req.commandID, result); err != nil {
		log.Error("[ROUTER] response not delivered", "error", err)
	}
}

func (r *Router) respondError(req request, cause error) {
	if err := r.resp.RespondError(req.commandID, cause); err != nil {
		slog.Error("[ROUTER] error response not delivered", "command_id", req.commandID, "error", err)
	}
}
