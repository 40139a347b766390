package messagepipeline_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-homeflow/pkg/types"
)

// MockMessageConsumer is a mock implementation of the MessageConsumer
// interface that simulates a message source.
type MockMessageConsumer struct {
	msgChan    chan types.RawMessage
	doneChan   chan struct{}
	stopOnce   sync.Once
	startErr   error
	mu         sync.Mutex
	startCount int
	stopCount  int
}

// NewMockMessageConsumer creates a new mock consumer with a buffered channel.
func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan:  make(chan types.RawMessage, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan types.RawMessage { return m.msgChan }

func (m *MockMessageConsumer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

// Stop closes the message and done channels. Buffered messages stay
// readable until drained.
func (m *MockMessageConsumer) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.doneChan)
		close(m.msgChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} { return m.doneChan }

// Push simulates an inbound message.
func (m *MockMessageConsumer) Push(msg types.RawMessage) {
	m.msgChan <- msg
}

func (m *MockMessageConsumer) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount, m.stopCount
}
