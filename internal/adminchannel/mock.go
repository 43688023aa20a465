package adminchannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/antoniostano/chatbridge/internal/message"
)

// MockChannel records sends locally and mints sequential outbound ids.
// Used in tests and when no admin channel is configured.
type MockChannel struct {
	mu    sync.Mutex
	seq   int
	sends []MockSend
	// FailNext makes the next send fail, for adapter-error paths.
	failNext bool
}

type MockSend struct {
	OutboundID string
	Content    string
	Kind       message.Type
	BlobRef    string
	ReplyToID  string
}

func NewMockChannel() *MockChannel { return &MockChannel{} }

func (m *MockChannel) SendText(ctx context.Context, content, replyToID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return "", fmt.Errorf("%w: injected failure", ErrSendFailed)
	}
	m.seq++
	id := fmt.Sprintf("t%d", m.seq+99)
	m.sends = append(m.sends, MockSend{OutboundID: id, Content: content, Kind: message.TypeText, ReplyToID: replyToID})
	return id, nil
}

func (m *MockChannel) SendMedia(ctx context.Context, kind message.Type, blobRef, replyToID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return "", fmt.Errorf("%w: injected failure", ErrSendFailed)
	}
	m.seq++
	id := fmt.Sprintf("t%d", m.seq+99)
	m.sends = append(m.sends, MockSend{OutboundID: id, Kind: kind, BlobRef: blobRef, ReplyToID: replyToID})
	return id, nil
}

func (m *MockChannel) FailNextSend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

func (m *MockChannel) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}

func (m *MockChannel) LastSend() (MockSend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return MockSend{}, false
	}
	return m.sends[len(m.sends)-1], true
}
