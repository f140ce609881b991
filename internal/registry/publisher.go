package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// QoS levels used on the registry topics.
const (
	QoSDevice   byte = 1
	QoSCommand  byte = 1
	QoSResponse byte = 2
)

// Broker is the message-broker surface the registry needs.
type Broker interface {
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
}

// PublishError reports a failed registry update for one device. Callers
// log it and move on to the next device.
type PublishError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("registry: %s %q: %v", e.Op, e.DeviceID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher announces devices and command outcomes for one connector.
type Publisher struct {
	broker   Broker
	clientID string
}

// NewPublisher creates a Publisher for the connector with clientID.
func NewPublisher(broker Broker, clientID string) *Publisher {
	return &Publisher{broker: broker, clientID: clientID}
}

// SetDevice publishes d's descriptor.
func (p *Publisher) SetDevice(d Descriptor) error {
	payload, err := json.Marshal(NewSetDeviceMessage(d))
	if err != nil {
		return &PublishError{DeviceID: d.ID, Op: "encode", Err: err}
	}
	if err := p.broker.Publish(DeviceTopic(p.clientID), QoSDevice, payload); err != nil {
		return &PublishError{DeviceID: d.ID, Op: "set device", Err: err}
	}
	return nil
}

// SubscribeCommands starts receiving commands for deviceID.
func (p *Publisher) SubscribeCommands(deviceID string) error {
	if err := p.broker.Subscribe(CommandSubscription(deviceID), QoSCommand); err != nil {
		return &PublishError{DeviceID: deviceID, Op: "subscribe", Err: err}
	}
	return nil
}

// UnsubscribeCommands stops receiving commands for deviceID.
func (p *Publisher) UnsubscribeCommands(deviceID string) error {
	if err := p.broker.Unsubscribe(CommandSubscription(deviceID)); err != nil {
		return &PublishError{DeviceID: deviceID, Op: "unsubscribe", Err: err}
	}
	return nil
}

// Respond publishes a successful command result.
func (p *Publisher) Respond(deviceID, service, commandID string, result map[string]any) error {
	payload, err := EncodeCommandResponse(commandID, result)
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ResponseTopic(deviceID, service), QoSResponse, payload); err != nil {
		return &PublishError{DeviceID: deviceID, Op: "respond", Err: err}
	}
	return nil
}

// RespondError publishes the failure of a command so callers waiting on
// commandID are not left hanging.
func (p *Publisher) RespondError(commandID string, cause error) error {
	slog.Debug("[REGISTRY] command error", "command_id", commandID, "error", cause)
	if err := p.broker.Publish(CommandErrorTopic(commandID), QoSResponse, []byte(cause.Error())); err != nil {
		return fmt.Errorf("registry: publish command error %q: %w", commandID, err)
	}
	return nil
}
