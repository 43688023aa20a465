package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ClientMessageType identifies visitor websocket payload variants.
type ClientMessageType string

const (
	TypeVisitorMessage ClientMessageType = "visitor_message"
	TypeTyping         ClientMessageType = "typing"
	TypePing           ClientMessageType = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type ClientMessageType `json:"type"`
}

// VisitorMessage is a text payload from the visitor side.
type VisitorMessage struct {
	Type     ClientMessageType `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TypingIndicator signals typing state; it touches the session but is
// never forwarded to the admin channel.
type TypingIndicator struct {
	Type     ClientMessageType `json:"type"`
	IsTyping bool              `json:"is_typing"`
}

// Ping is an application-level keepalive for clients that cannot emit
// websocket control frames.
type Ping struct {
	Type ClientMessageType `json:"type"`
}

// ParseClientMessage decodes one inbound text frame into its typed form.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeVisitorMessage:
		var msg VisitorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid visitor_message: empty content")
		}
		return msg, nil
	case TypeTyping:
		var msg TypingIndicator
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
