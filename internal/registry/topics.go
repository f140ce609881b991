// Package registry speaks the device-registry protocol over the message
// broker: device descriptors, the refresh trigger, and command
// request/response envelopes.
package registry

import (
	"fmt"
	"strings"
)

// RefreshTopic asks the connector to republish every known device.
const RefreshTopic = "device-manager/refresh"

// DeviceTopic is where a connector announces its devices.
func DeviceTopic(clientID string) string {
	return "device-manager/device/" + clientID
}

// CommandSubscription matches every command addressed to deviceID.
func CommandSubscription(deviceID string) string {
	return "command/" + deviceID + "/+"
}

// ResponseTopic carries the result of a command.
func ResponseTopic(deviceID, service string) string {
	return "response/" + deviceID + "/" + service
}

// CommandErrorTopic carries the failure of a command.
func CommandErrorTopic(commandID string) string {
	return "error/command/" + commandID
}

// ParseCommandTopic splits "command/<device_id>/<service>".
func ParseCommandTopic(topic string) (deviceID, service string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "command" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("registry: malformed command topic %q", topic)
	}
	return parts[1], parts[2], nil
}
