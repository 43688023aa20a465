// Package content classifies and stores binary visitor payloads. The
// router treats it as opaque: classification failures degrade to the
// generic file kind and never abort a message.
package content

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/antoniostano/chatbridge/internal/message"
)

var ErrTooLarge = errors.New("payload exceeds size limit")

// Service is the narrow contract the router depends on.
type Service interface {
	Classify(data []byte) message.Type
	Store(data []byte, kind message.Type, sessionID string) (string, error)
}

// FileService sniffs MIME types and stages payloads as temp files whose
// path serves as the blob reference.
type FileService struct {
	dir      string
	maxSizes map[message.Type]int64
}

func NewFileService(dir string) (*FileService, error) {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "chatbridge")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &FileService{
		dir: dir,
		maxSizes: map[message.Type]int64{
			message.TypeImage: 10 << 20,
			message.TypeVoice: 20 << 20,
			message.TypeFile:  50 << 20,
		},
	}, nil
}

// Classify maps the sniffed MIME type onto a message kind. Anything
// unrecognized is a plain file.
func (s *FileService) Classify(data []byte) message.Type {
	if len(data) == 0 {
		return message.TypeFile
	}
	mime := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return message.TypeImage
	case strings.HasPrefix(mime, "audio/"):
		return message.TypeVoice
	default:
		return message.TypeFile
	}
}

func (s *FileService) Store(data []byte, kind message.Type, sessionID string) (string, error) {
	limit, ok := s.maxSizes[kind]
	if !ok {
		limit = s.maxSizes[message.TypeFile]
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %d bytes (%s limit %d)", ErrTooLarge, len(data), kind, limit)
	}

	name := fmt.Sprintf("%s_%s%s", sanitize(sessionID), uuid.NewString(), extensionFor(kind, data))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	return path, nil
}

func extensionFor(kind message.Type, data []byte) string {
	mime := http.DetectContentType(data)
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "audio/wave":
		return ".wav"
	case "application/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	}
	switch kind {
	case message.TypeImage:
		return ".img"
	case message.TypeVoice:
		return ".audio"
	default:
		return ".bin"
	}
}

// sanitize keeps session ids filesystem-safe in blob names.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
