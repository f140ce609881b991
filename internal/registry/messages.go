package registry

import (
	"encoding/json"
	"fmt"
)

// State is a device's availability as reported to the registry.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Descriptor is the registry's view of a device.
type Descriptor struct {
	ID    string
	Name  string
	Type  string
	State State
}

// DeviceMessage is published on DeviceTopic.
type DeviceMessage struct {
	Method   string     `json:"method"`
	DeviceID string     `json:"device_id"`
	Data     DeviceData `json:"data"`
}

// DeviceData is the descriptor body of a DeviceMessage.
type DeviceData struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	DeviceType string `json:"device_type"`
}

// NewSetDeviceMessage builds the "set" message announcing d.
func NewSetDeviceMessage(d Descriptor) DeviceMessage {
	return DeviceMessage{
		Method:   "set",
		DeviceID: d.ID,
		Data: DeviceData{
			Name:       d.Name,
			State:      d.State,
			DeviceType: d.Type,
		},
	}
}

// CommandEnvelope is the payload of both command requests and responses.
// Data holds a JSON document encoded as a string.
type CommandEnvelope struct {
	CommandID string `json:"command_id"`
	Data      string `json:"data"`
}

// DecodeCommandRequest parses a request and its embedded data document.
// Empty data decodes to an empty map.
func DecodeCommandRequest(payload []byte) (commandID string, data map[string]any, err error) {
	var env CommandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("registry: decode command request: %w", err)
	}
	if env.CommandID == "" {
		return "", nil, fmt.Errorf("registry: command request without command_id")
	}
	data = map[string]any{}
	if env.Data == "" {
		return env.CommandID, data, nil
	}
	if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
		return env.CommandID, nil, fmt.Errorf("registry: decode command data: %w", err)
	}
	return env.CommandID, data, nil
}

// EncodeCommandResponse wraps result in a response envelope.
func EncodeCommandResponse(commandID string, result any) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("registry: encode command result: %w", err)
	}
	return json.Marshal(CommandEnvelope{CommandID: commandID, Data: string(data)})
}
