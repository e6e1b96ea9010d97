package reaper

import (
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/nearsandbox/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRunningNodes() ([]*store.Node, error) {
	args := m.Called()
	if nodes := args.Get(0); nodes != nil {
		return nodes.([]*store.Node), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateNodeStatus(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

// MockProcessTable mocks the ProcessTable interface.
type MockProcessTable struct {
	mock.Mock
}

func (m *MockProcessTable) Alive(pid int) bool {
	args := m.Called(pid)
	return args.Bool(0)
}

func (m *MockProcessTable) Kill(pid int) error {
	args := m.Called(pid)
	return args.Error(0)
}

func (m *MockProcessTable) StartTime(pid int) (uint64, error) {
	args := m.Called(pid)
	return args.Get(0).(uint64), args.Error(1)
}
