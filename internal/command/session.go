package command

import (
	"fmt"

	"github.com/chaz8081/switchbot-dc/internal/ble/protocol"
)

// state is a step of the per-attempt exchange.
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateAwaitingReady
	stateExchanging
	stateCompleted
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateAwaitingReady:
		return "awaiting-ready"
	case stateExchanging:
		return "exchanging"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// exchange is the write/notify choreography of one command type.
// writes[0] is sent once notifications are enabled; writes[k] is sent after
// frame k-1 arrives. limits[k] truncates frame k (0 keeps it whole) and
// len(limits) is the number of frames that completes the exchange.
type exchange struct {
	writes [][]byte
	limits []int
}

func statusExchange() exchange {
	return exchange{
		writes: [][]byte{protocol.StatusRequest, protocol.StatusExtRequestA, protocol.StatusExtRequestB},
		limits: protocol.StatusFrameSizes[:],
	}
}

func setPositionExchange(target byte) exchange {
	return exchange{
		writes: [][]byte{protocol.SetPositionRequest(target)},
		limits: []int{0},
	}
}

// session is the state of a single attempt. A new one is built for every
// attempt so nothing leaks between retries.
type session struct {
	state       state
	result      []byte
	frameCount  int
	confirmed   bool
	target      *byte
	retriesUsed int
}

func newSession(target *byte, retriesUsed int) *session {
	return &session{
		state:       stateIdle,
		result:      make([]byte, 0, protocol.StatusBufferLen),
		target:      target,
		retriesUsed: retriesUsed,
	}
}

// receive appends frame to the result buffer and reports the payload to
// write next, or nil once the exchange is complete.
func (s *session) receive(ex exchange, frame []byte) []byte {
	s.result = protocol.AppendFrame(s.result, frame, ex.limits[s.frameCount])
	s.frameCount++
	if s.frameCount >= len(ex.limits) {
		s.confirmed = true
		return nil
	}
	return ex.writes[s.frameCount]
}
