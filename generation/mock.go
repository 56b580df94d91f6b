package generation

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scripted provider for tests and development. It replays
// configured deltas in order and records the requests it received.
type MockProvider struct {
	id     string
	deltas []string
	delay  time.Duration

	dialErr   error // returned from Stream before any event
	streamErr error // emitted as an error event after errAfter deltas
	errAfter  int

	mu       sync.Mutex
	requests []Request
}

// MockOption configures a MockProvider.
type MockOption func(*MockProvider)

// WithMockDelay inserts a pause before each delta, letting tests exercise
// cancellation mid-stream.
func WithMockDelay(d time.Duration) MockOption {
	return func(m *MockProvider) {
		m.delay = d
	}
}

// WithDialError makes Stream fail before any event is produced.
func WithDialError(err error) MockOption {
	return func(m *MockProvider) {
		m.dialErr = err
	}
}

// WithStreamError emits an error event after the given number of deltas
// instead of a normal end event.
func WithStreamError(err error, afterDeltas int) MockOption {
	return func(m *MockProvider) {
		m.streamErr = err
		m.errAfter = afterDeltas
	}
}

// NewMockProvider creates a mock that streams the given deltas then ends.
func NewMockProvider(id string, deltas []string, opts ...MockOption) *MockProvider {
	m := &MockProvider{id: id, deltas: deltas}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the provider id.
func (m *MockProvider) ID() string {
	return m.id
}

// Close is a no-op for the mock provider.
func (m *MockProvider) Close() error {
	return nil
}

// Requests returns a copy of every request passed to Stream.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Stream replays the scripted deltas.
func (m *MockProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.dialErr != nil {
		return nil, m.dialErr
	}

	out := make(chan Event)
	go func() {
		defer close(out)

		for i, delta := range m.deltas {
			if m.streamErr != nil && i == m.errAfter {
				m.send(ctx, out, Event{Type: EventError, Err: m.streamErr})
				return
			}
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return
				}
			}
			if !m.send(ctx, out, Event{Type: EventDelta, Text: delta}) {
				return
			}
		}

		if m.streamErr != nil && m.errAfter >= len(m.deltas) {
			m.send(ctx, out, Event{Type: EventError, Err: m.streamErr})
			return
		}
		m.send(ctx, out, Event{Type: EventEnd})
	}()

	return out, nil
}

func (m *MockProvider) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
