package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient for testing
type MockClient struct {
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// FiredEvent records a fired event for testing
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
	Time      time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		serviceCalls: make([]ServiceCall, 0),
		firedEvents:  make([]FiredEvent, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns the simulated connection state
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// CallService records the service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	return nil
}

// FireEvent records the fired event
func (m *MockClient) FireEvent(eventType string, data map[string]interface{}) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	m.firedEvents = append(m.firedEvents, FiredEvent{
		EventType: eventType,
		Data:      data,
		Time:      time.Now(),
	})
	return nil
}

// SetInputBoolean records the underlying service call
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}
	return m.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber records the underlying service call
func (m *MockClient) SetInputNumber(name string, value float64) error {
	return m.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText records the underlying service call
func (m *MockClient) SetInputText(name string, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// ServiceCalls returns a copy of all recorded service calls
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// FiredEvents returns a copy of all recorded events
func (m *MockClient) FiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]FiredEvent(nil), m.firedEvents...)
}

// ClearCalls resets recorded calls and events
func (m *MockClient) ClearCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = m.serviceCalls[:0]
	m.firedEvents = m.firedEvents[:0]
}
