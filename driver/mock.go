package driver

import (
	"io"
	"time"
)

// MockTransport is an in-memory Transport for tests. Responses are staged
// with Queue and handed out one per Read call, the way a servo answers one
// status packet per instruction. An empty queue reads like a silent bus.
type MockTransport struct {
	Sent        []byte
	WriteErr    error
	ReadErr     error
	Closed      bool
	Flushes     int
	ReadTimeout time.Duration

	replies [][]byte
}

// Queue stages responses to be returned by subsequent Reads, in order.
func (m *MockTransport) Queue(replies ...[]byte) {
	m.replies = append(m.replies, replies...)
}

func (m *MockTransport) Read(p []byte) (int, error) {
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if len(m.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.replies[0])
	m.replies = m.replies[1:]
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.Sent = append(m.Sent, p...)
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.ReadTimeout = timeout
	return nil
}

// Flush only counts invocations; staged replies survive so a test can queue
// its responses before the exchange that consumes them.
func (m *MockTransport) Flush() error {
	m.Flushes++
	return nil
}
