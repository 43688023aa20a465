// Package adminchannel bridges the router with the shared admin chat
// channel. The channel delivers outbound visitor traffic to the admins
// and hands their replies and commands back as Events.
package adminchannel

import (
	"context"
	"errors"
	"strings"

	"github.com/antoniostano/chatbridge/internal/message"
)

var ErrSendFailed = errors.New("admin channel send failed")

// EventKind classifies inbound admin activity.
type EventKind string

const (
	EventReply     EventKind = "reply"
	EventBroadcast EventKind = "broadcast_command"
	EventPlain     EventKind = "plain_message"
	EventSessions  EventKind = "sessions_command"
	EventStats     EventKind = "stats_command"
	EventHelp      EventKind = "help_command"
)

// Event is one inbound admin-channel occurrence.
type Event struct {
	Kind EventKind
	// MessageID is the channel-native id of the admin's own message, used
	// to keep the reply thread alive when someone replies to it in turn.
	MessageID string
	// ReferencedOutboundID is set for EventReply: the id of the prior
	// outbound message the admin replied to.
	ReferencedOutboundID string
	Text                 string
	From                 string
}

// Handler consumes inbound admin events. Implementations must contain
// their own failures; the channel does not retry dispatch.
type Handler func(ctx context.Context, ev Event)

// Channel is the outbound contract. Every successful send returns the
// channel-native message id, which callers use as the reply-thread key.
type Channel interface {
	SendText(ctx context.Context, content, replyToID string) (string, error)
	SendMedia(ctx context.Context, kind message.Type, blobRef, replyToID string) (string, error)
}

// ParseCommand splits a leading slash-command from its argument text.
// Returns empty command for ordinary messages.
func ParseCommand(text string) (command, args string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", trimmed
	}
	parts := strings.SplitN(trimmed, " ", 2)
	command = strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// Commands addressed to a specific bot ("/stats@bridgebot") count too.
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return command, args
}
