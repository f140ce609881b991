// Package protocol implements the curtain accessory's binary exchange
// protocol: GATT identifiers, request payloads, response codes, frame
// assembly, and status decoding.
package protocol

import (
	"errors"
	"fmt"
)

// Curtain GATT identifiers.
const (
	ServiceUUID     = "cba20d00-224d-11e6-9fb8-0002a5d5c51b"
	TXCharUUID      = "cba20002-224d-11e6-9fb8-0002a5d5c51b" // write
	RXCharUUID      = "cba20003-224d-11e6-9fb8-0002a5d5c51b" // notify
	ServiceDataUUID = "00000d00-0000-1000-8000-00805f9b34fb"
)

// ResponseCodeOK leads every successful frame group.
const ResponseCodeOK byte = 0x01

var responseCodes = map[byte]string{
	0x02: "ERROR",
	0x03: "BUSY",
	0x04: "Communication protocol version incompatible",
	0x05: "Device does not support this Command",
	0x06: "Device is low power",
	0x0D: "This command is not supported in the current mode",
	0x0E: "Disconnected from the device that needs to stay connected",
}

var chargingStates = map[byte]string{
	0: "not charging",
	1: "adapter charging",
	2: "solar panel charging",
	3: "adapter connected & fully charged",
	4: "solar panel connected & fully charged",
	5: "solar panel connected, but not charging",
	6: "hardware error",
}

// Request payloads.
var (
	StatusRequest      = []byte{0x57, 0x02}
	StatusExtRequestA  = []byte{0x57, 0x0F, 0x46, 0x81, 0x01}
	StatusExtRequestB  = []byte{0x57, 0x0F, 0x46, 0x04, 0x02}
	setPositionRequest = []byte{0x57, 0x0F, 0x45, 0x01, 0x05, 0xFF}
)

// SetPositionRequest returns the payload moving the curtain to target.
// Targets above 100 are passed through unchanged.
func SetPositionRequest(target byte) []byte {
	buf := make([]byte, 0, len(setPositionRequest)+1)
	buf = append(buf, setPositionRequest...)
	return append(buf, target)
}

// ErrShortBuffer is wrapped by a ProtocolError when a frame or advertisement
// is too short to hold the fields being decoded.
var ErrShortBuffer = errors.New("short buffer")

// ProtocolError reports a non-success response code or a malformed
// response from the accessory.
type ProtocolError struct {
	Code   byte // 0 when the response was structurally invalid
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorMessage renders a response code as "Code <N>: <message>". Unknown
// codes keep an empty message.
func ErrorMessage(code byte) string {
	return fmt.Sprintf("Code %d: %s", code, responseCodes[code])
}

// ChargingState maps a charging code to its description.
func ChargingState(code byte) string {
	if s, ok := chargingStates[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown: %d", code)
}

// CheckResponse validates the leading response code of a frame group.
func CheckResponse(group []byte) error {
	if len(group) == 0 {
		return &ProtocolError{Reason: "empty response", Err: ErrShortBuffer}
	}
	if group[0] != ResponseCodeOK {
		return &ProtocolError{Code: group[0], Reason: ErrorMessage(group[0])}
	}
	return nil
}
