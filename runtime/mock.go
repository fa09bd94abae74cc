package runtime

import (
	"context"

	"github.com/Gthulhu/fleet/domain"
	"github.com/stretchr/testify/mock"
)

// MockDriver is a testify mock of domain.RuntimeDriver for tests.
type MockDriver struct {
	mock.Mock
}

func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (m *MockDriver) Probe(ctx context.Context, address string, port int) (*domain.ProbeResult, error) {
	args := m.Called(ctx, address, port)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProbeResult), args.Error(1)
}

func (m *MockDriver) ExportState(ctx context.Context, source *domain.ContainerRecord, agentID string) ([]byte, error) {
	args := m.Called(ctx, source, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockDriver) ImportState(ctx context.Context, target *domain.ContainerRecord, agentID string, state []byte) error {
	args := m.Called(ctx, target, agentID, state)
	return args.Error(0)
}

func (m *MockDriver) Deliver(ctx context.Context, target *domain.ContainerRecord, sealed []byte) error {
	args := m.Called(ctx, target, sealed)
	return args.Error(0)
}
