package archive

import (
	"context"
	"time"

	"github.com/antoniostano/chatbridge/internal/message"
)

// Record is one archived bridge message. The archive is observability
// only; the router never reads it back on the hot path and tolerates
// archive failures.
type Record struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Type      message.Type      `json:"type"`
	Direction message.Direction `json:"direction"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists and retrieves archived messages.
type Store interface {
	SaveMessage(ctx context.Context, rec Record) error
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// FromMessage builds an archive record from a bridge message.
func FromMessage(m message.Message) Record {
	return Record{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      m.Type,
		Direction: m.Direction,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
}
