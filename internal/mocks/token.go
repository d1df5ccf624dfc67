package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// MockToken is a mock implementation of the mqtt.Token interface
type MockToken struct {
	mock.Mock
}

// Error returns the error associated with the token
func (m *MockToken) Error() error {
	args := m.Called()
	return args.Error(0)
}

// Wait waits for the token to complete
func (m *MockToken) Wait() bool {
	args := m.Called()
	return args.Bool(0)
}

// WaitTimeout waits for the token to complete or for the timeout to elapse
func (m *MockToken) WaitTimeout(timeout time.Duration) bool {
	args := m.Called(timeout)
	return args.Bool(0)
}

// Done returns a channel that is closed when the token completes
func (m *MockToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

// CompletedToken returns a token that has finished with err.
func CompletedToken(err error) *MockToken {
	token := new(MockToken)
	token.On("Wait").Return(true).Maybe()
	token.On("WaitTimeout", mock.Anything).Return(true).Maybe()
	token.On("Error").Return(err).Maybe()
	return token
}

// PendingToken returns a token that never completes.
func PendingToken() *MockToken {
	token := new(MockToken)
	token.On("Wait").Return(false).Maybe()
	token.On("WaitTimeout", mock.Anything).Return(false).Maybe()
	token.On("Error").Return(nil).Maybe()
	return token
}
