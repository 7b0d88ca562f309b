package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProber is a testify mock of hive.Prober
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}
