package message

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies message content.
type Type string

const (
	TypeText   Type = "text"
	TypeVoice  Type = "voice"
	TypeImage  Type = "image"
	TypeFile   Type = "file"
	TypeSystem Type = "system"
	TypeAdmin  Type = "admin"
	TypeError  Type = "error"
)

// Direction indicates which side of the bridge originated the message.
type Direction string

const (
	DirectionVisitorToAdmin Direction = "visitor_to_admin"
	DirectionAdminToVisitor Direction = "admin_to_visitor"
	DirectionSystem         Direction = "system"
)

// Message is an immutable value carried across the bridge. It is constructed
// once and never mutated afterwards; the core does not persist it.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Type      Type              `json:"type"`
	Direction Direction         `json:"direction"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func New(sessionID, content string, t Type, d Direction) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Type:      t,
		Direction: d,
		Timestamp: time.Now().UTC(),
	}
}

func System(sessionID, content string) Message {
	return New(sessionID, content, TypeSystem, DirectionSystem)
}

func Error(sessionID, content string) Message {
	return New(sessionID, content, TypeError, DirectionSystem)
}
