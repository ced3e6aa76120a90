package reporter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeToken satisfies the paho token interface without touching a broker.
type fakeToken struct {
	done chan struct{}
}

func newFakeToken() *fakeToken {
	t := &fakeToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return nil }

// MockMQTTClient records publishes for assertions.
type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Connect() pahomqtt.Token {
	m.Called()
	return newFakeToken()
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	m.Called(topic, qos, retained, payload)
	return newFakeToken()
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

// TestMQTTReporter_StageChanged tests topic shape and payload content for a
// clean transition.
func TestMQTTReporter_StageChanged(t *testing.T) {
	client := new(MockMQTTClient)
	client.On("Publish", "provision/SN-0001/provision", byte(1), false, mock.Anything).Once()

	r := NewMQTTReporter(client, "provision", 1, zerolog.Nop())
	r.StageChanged("run-42", "SN-0001", pipeline.StageBuild, nil)

	client.AssertExpectations(t)

	payload := client.Calls[0].Arguments.Get(3).([]byte)
	var event StageEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "run-42", event.RunID)
	assert.Equal(t, "SN-0001", event.SerialNumber)
	assert.Equal(t, "build", event.Stage)
	assert.Empty(t, event.ErrorKind)
	assert.NotEmpty(t, event.Timestamp)
}

// TestMQTTReporter_StageChanged_Failure tests that the error kind and message
// ride along on terminal failures.
func TestMQTTReporter_StageChanged_Failure(t *testing.T) {
	client := new(MockMQTTClient)
	client.On("Publish", "provision/SN-0002/provision", byte(0), false, mock.Anything).Once()

	r := NewMQTTReporter(client, "provision", 0, zerolog.Nop())
	err := pipeline.WrapError(pipeline.StageBuild, pipeline.KindCompileError, errors.New("exit status 1"))
	r.StageChanged("run-7", "SN-0002", pipeline.StageFailed, err)

	client.AssertExpectations(t)

	payload := client.Calls[0].Arguments.Get(3).([]byte)
	var event StageEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "failed", event.Stage)
	assert.Equal(t, "compile_error", event.ErrorKind)
	assert.Contains(t, event.Error, "exit status 1")
}
