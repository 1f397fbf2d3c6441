package relay

import "time"

// Frame is one outbound protocol message. Type is always set; the other
// fields are populated per type:
//
//	ready:    SessionID, Pending
//	thinking: no payload (sent before a request ID exists)
//	text:     Text, RequestID, Queued
//	error:    Error, RequestID
//	done:     RequestID
//	sync:     Role, Text, Source, Timestamp
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	Pending   int    `json:"pending,omitempty"`
}

func syncFrame(role, text, source string, ts time.Time) Frame {
	return Frame{
		Type:      "sync",
		Role:      role,
		Text:      text,
		Source:    source,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

func textFrame(requestID, text string) Frame {
	return Frame{Type: "text", RequestID: requestID, Text: text}
}

func errorFrame(requestID, message string) Frame {
	return Frame{Type: "error", RequestID: requestID, Error: message}
}

func doneFrame(requestID string) Frame {
	return Frame{Type: "done", RequestID: requestID}
}
