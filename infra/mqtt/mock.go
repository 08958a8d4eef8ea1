package mqtt

import (
	"fmt"
	"sync"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// MockCourier is an in-memory Courier used in tests and the simulator
// command. Acks resolve immediately from AckResults (default accepted).
type MockCourier struct {
	mu         sync.Mutex
	Orders     []model.DispatchOrder
	FailDests  map[string]bool
	AckResults map[string]bool
	seq        int
}

// NewMockCourier creates an empty mock courier.
func NewMockCourier() *MockCourier {
	return &MockCourier{
		FailDests:  make(map[string]bool),
		AckResults: make(map[string]bool),
	}
}

// SendDispatchOrder records the order or fails if the destination is
// marked as failing.
func (m *MockCourier) SendDispatchOrder(order model.DispatchOrder) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDests[order.DestID] {
		return "", fmt.Errorf("publish failed")
	}
	m.Orders = append(m.Orders, order)
	m.seq++
	return fmt.Sprintf("cmd-%d", m.seq), nil
}

// WaitForAck resolves immediately from AckResults.
func (m *MockCourier) WaitForAck(commandID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok, exists := m.AckResults[commandID]; exists {
		return ok, nil
	}
	return true, nil
}

// Sent returns a copy of the recorded orders.
func (m *MockCourier) Sent() []model.DispatchOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.DispatchOrder, len(m.Orders))
	copy(cp, m.Orders)
	return cp
}

// MockOutreach records outreach requests in memory.
type MockOutreach struct {
	mu       sync.Mutex
	Requests []model.OutreachRequest
	Err      error
}

// SendOutreach records the request or returns the configured error.
func (m *MockOutreach) SendOutreach(req model.OutreachRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Requests = append(m.Requests, req)
	return nil
}

// Sent returns a copy of the recorded requests.
func (m *MockOutreach) Sent() []model.OutreachRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.OutreachRequest, len(m.Requests))
	copy(cp, m.Requests)
	return cp
}
