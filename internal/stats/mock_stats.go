package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater records metric updates. Tests that only need a sink use
// NewNopMockStatsUpdater; tests asserting on counters set their own
// expectations.
type MockStatsUpdater struct {
	mock.Mock
}

// NewNopMockStatsUpdater accepts any metric update without asserting on it.
func NewNopMockStatsUpdater() *MockStatsUpdater {
	su := &MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	su.On("Run").Maybe()
	return su
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}

// Count returns how many times name was passed to method.
func (m *MockStatsUpdater) Count(method, name string) int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == method && len(call.Arguments) > 0 && call.Arguments[0] == name {
			n++
		}
	}
	return n
}
