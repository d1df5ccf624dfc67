package mocks

import (
	"sync"

	"github.com/benmeehan/pulselink/pkg/mqtt"
)

// MockBrokerSession mocks the MqttService session surface. It records the
// options given to Initialize so tests can fire the connect callbacks.
type MockBrokerSession struct {
	MockMQTTClient

	mu   sync.Mutex
	opts mqtt.ConnectOptions
}

func (m *MockBrokerSession) Initialize(opts mqtt.ConnectOptions) error {
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
	args := m.Called(opts)
	return args.Error(0)
}

// Options returns the options of the last Initialize call.
func (m *MockBrokerSession) Options() mqtt.ConnectOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}
