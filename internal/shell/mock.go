package shell

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a mock implementation of CommandRunner for testing.
// Expectations are set on the command name and arguments; the context is
// not part of the call.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	result := m.Called(callArgs(nil, name, args)...)
	return result.Error(0)
}

func (m *MockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	result := m.Called(callArgs(nil, name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) RunInput(ctx context.Context, input string, name string, args ...string) error {
	result := m.Called(callArgs([]interface{}{input}, name, args)...)
	return result.Error(0)
}

func (m *MockCommandRunner) Capture(ctx context.Context, input string, name string, args ...string) ([]byte, []byte, error) {
	result := m.Called(callArgs([]interface{}{input}, name, args)...)
	var stdout, stderr []byte
	if v := result.Get(0); v != nil {
		stdout = v.([]byte)
	}
	if v := result.Get(1); v != nil {
		stderr = v.([]byte)
	}
	return stdout, stderr, result.Error(2)
}

func callArgs(prefix []interface{}, name string, args []string) []interface{} {
	out := make([]interface{}, 0, len(prefix)+len(args)+1)
	out = append(out, prefix...)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}
