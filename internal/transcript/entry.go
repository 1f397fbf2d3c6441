// Package transcript reads, watches, and appends to the shared append-only
// conversation log. The log is one JSON object per line and is written to by
// this relay and by an external WhatsApp-integrated agent; neither side
// coordinates with the other beyond the file itself.
package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

// Entry is a normalized transcript turn extracted from one log line.
type Entry struct {
	ID        string
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
	Source    string // origin tag of the surface that authored the turn
}

// Cursor marks the newest transcript entry a tail cycle has processed.
// It only moves forward.
type Cursor struct {
	Timestamp time.Time
	EntryID   string
}

// IsNewer reports whether an entry lies strictly past the cursor. Timestamp
// ordering decides; the entry ID breaks ties so a same-millisecond entry is
// not processed twice.
func (c Cursor) IsNewer(ts time.Time, id string) bool {
	if ts.After(c.Timestamp) {
		return true
	}
	return ts.Equal(c.Timestamp) && id != "" && id != c.EntryID
}

// Advance moves the cursor forward to the given entry. Moves backward are
// ignored.
func (c *Cursor) Advance(ts time.Time, id string) {
	if ts.Before(c.Timestamp) {
		return
	}
	c.Timestamp = ts
	c.EntryID = id
}

// contentPart is one element of a typed-parts content array. Only the first
// "text" part carries user-visible content; tool invocations and reasoning
// blocks have no broadcastable text.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// timestampValue accepts either an RFC3339 string or epoch milliseconds;
// both appear in the shared log depending on which writer produced the line.
type timestampValue struct {
	time.Time
}

func (t *timestampValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

type logMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp *timestampValue `json:"timestamp"`
}

type logLine struct {
	Type      string          `json:"type"`
	Message   *logMessage     `json:"message"`
	Timestamp *timestampValue `json:"timestamp"`
	ID        string          `json:"id"`
	Source    string          `json:"source"`
}

// systemMarkers name transcript texts that are liveness plumbing, not
// conversation; they are never broadcast.
var systemMarkers = []string{
	"HEARTBEAT_OK",
	"HEARTBEAT_ACK",
	"SYSTEM_CHECK",
}

// IsSystemMarker reports whether the text is a heartbeat/system line.
func IsSystemMarker(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range systemMarkers {
		if trimmed == marker || strings.HasPrefix(trimmed, marker+":") {
			return true
		}
	}
	return false
}

// parseLine extracts a normalized Entry from one raw log line. The second
// return is false for lines that are unparsable, not user/assistant turns,
// or carry no extractable text; such lines are skipped, never fatal.
func parseLine(raw []byte) (Entry, bool) {
	var line logLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return Entry{}, false
	}
	if line.Message == nil {
		return Entry{}, false
	}
	role := line.Message.Role
	if role != "user" && role != "assistant" {
		return Entry{}, false
	}

	text := extractText(line.Message.Content)
	if strings.TrimSpace(text) == "" {
		return Entry{}, false
	}

	ts := time.Time{}
	switch {
	case line.Timestamp != nil:
		ts = line.Timestamp.Time
	case line.Message.Timestamp != nil:
		ts = line.Message.Timestamp.Time
	}
	if ts.IsZero() {
		return Entry{}, false
	}

	return Entry{
		ID:        line.ID,
		Role:      role,
		Text:      text,
		Timestamp: ts,
		Source:    line.Source,
	}, true
}

// extractText handles both content encodings: a literal string, or a typed
// parts array of which only the first "text" part is significant.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	for _, part := range parts {
		if part.Type == "text" {
			return part.Text
		}
	}
	return ""
}
