package adminchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/chatbridge/internal/message"
)

// TelegramChannel talks to a Telegram group through the Bot HTTP API.
// Visitor traffic goes out via sendMessage; admin replies and commands
// come back through long-polled getUpdates.
type TelegramChannel struct {
	token  string
	chatID string
	client *http.Client
	apiURL string
	logger *slog.Logger
}

type TelegramConfig struct {
	Token  string
	ChatID string
	// APIURL overrides the Bot API base, used by tests.
	APIURL string
	Logger *slog.Logger
}

func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is required")
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:  cfg.Token,
		chatID: cfg.ChatID,
		apiURL: apiURL,
		client: &http.Client{Timeout: 65 * time.Second},
		logger: logger,
	}, nil
}

type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	} `json:"from"`
	Chat *struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text           string           `json:"text"`
	ReplyToMessage *telegramMessage `json:"reply_to_message"`
}

type sendMessageResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      *telegramMessage `json:"result"`
}

func (t *TelegramChannel) SendText(ctx context.Context, content, replyToID string) (string, error) {
	req := sendMessageRequest{ChatID: t.chatID, Text: content}
	if replyToID != "" {
		id, err := strconv.ParseInt(replyToID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid reply id %q: %w", replyToID, err)
		}
		req.ReplyToMessageID = id
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal sendMessage: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrSendFailed, err)
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSendFailed, err)
	}
	if !parsed.OK || parsed.Result == nil {
		return "", fmt.Errorf("%w: telegram status %d: %s", ErrSendFailed, res.StatusCode, parsed.Description)
	}
	return strconv.FormatInt(parsed.Result.MessageID, 10), nil
}

// SendMedia posts media as a captioned text notice referencing the stored
// blob. Uploading the raw bytes to Telegram is left to the blob pipeline.
func (t *TelegramChannel) SendMedia(ctx context.Context, kind message.Type, blobRef, replyToID string) (string, error) {
	text := fmt.Sprintf("[%s] %s", kind, blobRef)
	return t.SendText(ctx, text, replyToID)
}

type getUpdatesResponse struct {
	OK     bool `json:"ok"`
	Result []struct {
		UpdateID int64            `json:"update_id"`
		Message  *telegramMessage `json:"message"`
	} `json:"result"`
}

// Run long-polls getUpdates and dispatches admin events until ctx is
// cancelled. Poll errors back off and retry; they never stop the loop.
func (t *TelegramChannel) Run(ctx context.Context, handler Handler) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := t.poll(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates.Result {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			if ev, ok := t.eventFromMessage(u.Message); ok {
				handler(ctx, ev)
			}
		}
	}
}

func (t *TelegramChannel) poll(ctx context.Context, offset int64) (*getUpdatesResponse, error) {
	url := fmt.Sprintf("%s?timeout=50&offset=%d", t.methodURL("getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var parsed getUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode getUpdates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates status %d", res.StatusCode)
	}
	return &parsed, nil
}

func (t *TelegramChannel) eventFromMessage(msg *telegramMessage) (Event, bool) {
	// Only the configured admin group drives the bridge.
	if msg.Chat == nil || strconv.FormatInt(msg.Chat.ID, 10) != t.chatID {
		return Event{}, false
	}

	ev := Event{
		MessageID: strconv.FormatInt(msg.MessageID, 10),
		Text:      msg.Text,
		From:      senderName(msg),
	}

	if msg.ReplyToMessage != nil {
		ev.Kind = EventReply
		ev.ReferencedOutboundID = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
		return ev, true
	}

	command, args := ParseCommand(msg.Text)
	switch command {
	case "broadcast":
		ev.Kind = EventBroadcast
		ev.Text = args
	case "sessions":
		ev.Kind = EventSessions
	case "stats":
		ev.Kind = EventStats
	case "help", "start":
		ev.Kind = EventHelp
	case "":
		if strings.TrimSpace(msg.Text) == "" {
			return Event{}, false
		}
		ev.Kind = EventPlain
	default:
		// Unknown commands are ignored rather than broadcast to visitors.
		return Event{}, false
	}
	return ev, true
}

func (t *TelegramChannel) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)
}

func senderName(msg *telegramMessage) string {
	if msg.From == nil {
		return "Admin"
	}
	if msg.From.Username != "" {
		return msg.From.Username
	}
	if msg.From.FirstName != "" {
		return msg.From.FirstName
	}
	return "Admin"
}
