package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Appender mirrors the relay's own turns into the shared log, tagged with
// the relay's origin so the tailer can suppress self-echo.
type Appender struct {
	path   string
	origin string
}

// NewAppender creates an appender writing to the given transcript path.
func NewAppender(path, origin string) *Appender {
	return &Appender{path: path, origin: origin}
}

// Append writes one turn as a single JSON line. Each line is written in one
// write call; the external writers follow the same convention, which is what
// keeps the shared log line-atomic.
func (a *Appender) Append(role, text string) (Entry, error) {
	now := time.Now().UTC()
	entry := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now,
		Source:    a.origin,
	}

	line := map[string]any{
		"type": role,
		"message": map[string]any{
			"role":      role,
			"content":   text,
			"timestamp": now.Format(time.RFC3339Nano),
		},
		"timestamp": now.Format(time.RFC3339Nano),
		"id":        entry.ID,
		"source":    a.origin,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal transcript line: %w", err)
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open transcript for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append transcript line: %w", err)
	}
	return entry, nil
}
