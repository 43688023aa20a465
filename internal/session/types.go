package session

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// VisitorInfo carries origin details captured at connect time. Recognized
// fields are typed; Extra holds anything forward-compatible the transport
// wants to attach.
type VisitorInfo struct {
	UserAgent  string            `json:"user_agent,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Referrer   string            `json:"referrer,omitempty"`
	PageURL    string            `json:"page_url,omitempty"`
	Language   string            `json:"language,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Session is one visitor's logical identity, independent of any single
// transport connection.
type Session struct {
	ID             string      `json:"session_id"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	MessageCount   int         `json:"message_count"`
	Visitor        VisitorInfo `json:"visitor"`
}

type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	TotalSessions  int           `json:"total_sessions"`
	CreatedToday   int           `json:"sessions_created_today"`
	EndedToday     int           `json:"sessions_ended_today"`
	MessagesToday  int           `json:"messages_today"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"-"`
}

// FormatDuration renders a duration the way admins see it in session
// listings: "2h 5m 10s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
