package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// memBroker records publishes and subscriptions in memory.
type memBroker struct {
	mu         sync.Mutex
	published  []published
	subs       map[string]byte
	publishErr error
	subErr     error
}

func newMemBroker() *memBroker {
	return &memBroker{subs: map[string]byte{}}
}

func (b *memBroker) Publish(topic string, qos byte, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic, qos, payload})
	return nil
}

func (b *memBroker) Subscribe(topic string, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return b.subErr
	}
	b.subs[topic] = qos
	return nil
}

func (b *memBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "device-manager/device/dc-1", DeviceTopic("dc-1"))
	assert.Equal(t, "command/dev-1/+", CommandSubscription("dev-1"))
	assert.Equal(t, "response/dev-1/set_position", ResponseTopic("dev-1", "set_position"))
	assert.Equal(t, "error/command/c-9", CommandErrorTopic("c-9"))
}

func TestParseCommandTopic(t *testing.T) {
	id, svc, err := ParseCommandTopic("command/switchbotbluetooth-AA:BB/status")
	require.NoError(t, err)
	assert.Equal(t, "switchbotbluetooth-AA:BB", id)
	assert.Equal(t, "status", svc)

	for _, bad := range []string{
		"",
		"command/dev",
		"command//status",
		"command/dev/",
		"response/dev/status",
		"command/dev/status/extra",
	} {
		_, _, err := ParseCommandTopic(bad)
		assert.Error(t, err, "topic %q", bad)
	}
}

func TestDecodeCommandRequest(t *testing.T) {
	id, data, err := DecodeCommandRequest([]byte(`{"command_id":"c1","data":"{\"target_position\": 40}"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, map[string]any{"target_position": float64(40)}, data)
}

func TestDecodeCommandRequestEmptyData(t *testing.T) {
	id, data, err := DecodeCommandRequest([]byte(`{"command_id":"c2","data":""}`))
	require.NoError(t, err)
	assert.Equal(t, "c2", id)
	assert.Empty(t, data)
	assert.NotNil(t, data)

	_, data, err = DecodeCommandRequest([]byte(`{"command_id":"c3"}`))
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestDecodeCommandRequestErrors(t *testing.T) {
	_, _, err := DecodeCommandRequest([]byte(`not json`))
	assert.Error(t, err)

	_, _, err = DecodeCommandRequest([]byte(`{"data":""}`))
	assert.ErrorContains(t, err, "command_id")

	// The command id survives a bad data document so the caller can answer.
	id, _, err := DecodeCommandRequest([]byte(`{"command_id":"c4","data":"{broken"}`))
	assert.Error(t, err)
	assert.Equal(t, "c4", id)
}

func TestSetDevice(t *testing.T) {
	b := newMemBroker()
	p := NewPublisher(b, "switchbotcloud-dc")

	require.NoError(t, p.SetDevice(Descriptor{
		ID:    "switchbotbluetooth-AA:BB:CC:DD:EE:FF",
		Name:  "WoCurtain",
		Type:  "urn:test:curtain",
		State: Online,
	}))

	require.Len(t, b.published, 1)
	msg := b.published[0]
	assert.Equal(t, "device-manager/device/switchbotcloud-dc", msg.topic)
	assert.Equal(t, QoSDevice, msg.qos)
	assert.JSONEq(t, `{
		"method": "set",
		"device_id": "switchbotbluetooth-AA:BB:CC:DD:EE:FF",
		"data": {"name": "WoCurtain", "state": "online", "device_type": "urn:test:curtain"}
	}`, string(msg.payload))
}

func TestSetDeviceFailure(t *testing.T) {
	b := newMemBroker()
	b.publishErr = errors.New("not connected")
	p := NewPublisher(b, "dc")

	err := p.SetDevice(Descriptor{ID: "dev-1", State: Offline})
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "dev-1", pe.DeviceID)
	assert.ErrorIs(t, err, b.publishErr)
}

func TestCommandSubscriptions(t *testing.T) {
	b := newMemBroker()
	p := NewPublisher(b, "dc")

	require.NoError(t, p.SubscribeCommands("dev-1"))
	assert.Equal(t, map[string]byte{"command/dev-1/+": QoSCommand}, b.subs)

	require.NoError(t, p.UnsubscribeCommands("dev-1"))
	assert.Empty(t, b.subs)

	b.subErr = errors.New("refused")
	var pe *PublishError
	require.ErrorAs(t, p.SubscribeCommands("dev-2"), &pe)
	assert.Equal(t, "subscribe", pe.Op)
}

func TestRespond(t *testing.T) {
	b := newMemBroker()
	p := NewPublisher(b, "dc")

	require.NoError(t, p.Respond("dev-1", "status", "c1", map[string]any{"battery": 50}))

	require.Len(t, b.published, 1)
	msg := b.published[0]
	assert.Equal(t, "response/dev-1/status", msg.topic)
	assert.Equal(t, QoSResponse, msg.qos)

	var env CommandEnvelope
	require.NoError(t, json.Unmarshal(msg.payload, &env))
	assert.Equal(t, "c1", env.CommandID)
	assert.JSONEq(t, `{"battery": 50}`, env.Data)
}

func TestRespondEmptyResult(t *testing.T) {
	b := newMemBroker()
	p := NewPublisher(b, "dc")

	require.NoError(t, p.Respond("dev-1", "set_position", "c2", map[string]any{}))
	require.Len(t, b.published, 1)
	assert.JSONEq(t, `{"command_id":"c2","data":"{}"}`, string(b.published[0].payload))
}

func TestRespondError(t *testing.T) {
	b := newMemBroker()
	p := NewPublisher(b, "dc")

	require.NoError(t, p.RespondError("c3", errors.New("Code 2: ERROR")))
	require.Len(t, b.published, 1)
	assert.Equal(t, "error/command/c3", b.published[0].topic)
	assert.Equal(t, "Code 2: ERROR", string(b.published[0].payload))
}
