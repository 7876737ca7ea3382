package lola

import (
	"sync"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/ring"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/wire"
)

// MockTransport is an in-process stand-in for the message-passing
// notification channel, for unit tests that want to assert a skeleton
// notified a proxy without standing up a real mpsvc.Service worker pool.
type MockTransport struct {
	mu            sync.Mutex
	notifications []wire.ElementFqId
	closed        bool
}

// NewMockTransport creates an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Notify records a notification for event.
func (m *MockTransport) Notify(event wire.ElementFqId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("MockTransport.Notify", errors.CodeCommunicationLinkError, "transport closed")
	}
	m.notifications = append(m.notifications, event)
	return nil
}

// Notifications returns every event notified so far, in order.
func (m *MockTransport) Notifications() []wire.ElementFqId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.ElementFqId, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// NotificationCount reports how many times event was notified.
func (m *MockTransport) NotificationCount(event wire.ElementFqId) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.notifications {
		if wire.Equal(e, event) {
			count++
		}
	}
	return count
}

// Close marks the transport closed; further Notify calls fail.
func (m *MockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// MockArena backs a shm.Arena with a plain heap slice instead of a mapped
// segment, for tests that need to allocate and resolve OffsetPtrs without
// touching /dev/shm. It implements the same allocation contract skeleton.go
// uses in its simulate sizing mode.
type MockArena struct {
	*shm.Arena
	buf []byte
}

// NewMockArena allocates a size-byte heap buffer and wraps it in an Arena.
func NewMockArena(size int64) *MockArena {
	buf := make([]byte, size)
	return &MockArena{Arena: shm.NewArena(buf), buf: buf}
}

// MockEventControl builds a ring.EventControl over a MockArena's
// heap-backed storage for tests that exercise publish/subscribe/receive
// logic without a real segment. The one arena plays both the control and
// DATA roles, the same way the simulate sizing mode dry-runs real
// allocations against a scratch buffer.
func MockEventControl(arena *MockArena, numSlots, payloadSize, maxSubscribers int, enforceMax bool) (*ring.EventControl, error) {
	block, err := ring.AllocatePayloadBlock(arena.Arena, numSlots, payloadSize)
	if err != nil {
		return nil, errors.Wrap("MockEventControl", err)
	}
	ec, _, err := ring.NewEventControl(arena.Arena, arena.Arena, block, numSlots, payloadSize, maxSubscribers, enforceMax)
	if err != nil {
		return nil, errors.Wrap("MockEventControl", err)
	}
	return ec, nil
}

// MockServiceConfig is a minimal set of fields good enough to drive a
// Skeleton in tests, without requiring a YAML file on disk.
type MockServiceConfig struct {
	ServiceID  uint16
	InstanceID uint16
	NumSlots   int
	SampleSize int
}

// DefaultMockServiceConfig returns a small, deterministic configuration
// suitable for unit tests.
func DefaultMockServiceConfig() MockServiceConfig {
	return MockServiceConfig{
		ServiceID:  1,
		InstanceID: 1,
		NumSlots:   4,
		SampleSize: 64,
	}
}
