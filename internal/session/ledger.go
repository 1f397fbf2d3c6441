package session

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Request status values.
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

const previewLen = 80

// PendingRequest tracks one in-flight client request independently of the
// WebSocket connection that submitted it. Entries are resolved by the
// delivery path and deleted only once flushed to a live connection.
type PendingRequest struct {
	RequestID   string
	SessionID   string
	Status      string
	SubmittedAt time.Time
	TextPreview string
	Response    string
	Error       string
	CompletedAt time.Time
}

func (p *PendingRequest) terminal() bool {
	return p.Status == StatusComplete || p.Status == StatusError
}

// Ledger holds each session's ordered pending requests. Multiple requests
// per session may be outstanding simultaneously; each resolves on its own.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]*PendingRequest
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string][]*PendingRequest)}
}

// Submit appends a processing entry for the session and returns its
// request ID.
func (l *Ledger) Submit(sessionID, text string) string {
	preview := text
	if len(preview) > previewLen {
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	req := &PendingRequest{
		RequestID:   uuid.NewString(),
		SessionID:   sessionID,
		Status:      StatusProcessing,
		SubmittedAt: time.Now(),
		TextPreview: preview,
	}

	l.mu.Lock()
	l.entries[sessionID] = append(l.entries[sessionID], req)
	l.mu.Unlock()
	return req.RequestID
}

// ResolveComplete transitions a processing entry to complete with the given
// response. Returns false when the entry no longer exists (e.g. the session
// was reaped mid-flight) or is already terminal.
func (l *Ledger) ResolveComplete(sessionID, requestID, response string) bool {
	return l.resolve(sessionID, requestID, func(req *PendingRequest) {
		req.Status = StatusComplete
		req.Response = response
	})
}

// ResolveError transitions a processing entry to error.
func (l *Ledger) ResolveError(sessionID, requestID, errText string) bool {
	return l.resolve(sessionID, requestID, func(req *PendingRequest) {
		req.Status = StatusError
		req.Error = errText
	})
}

func (l *Ledger) resolve(sessionID, requestID string, apply func(*PendingRequest)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, req := range l.entries[sessionID] {
		if req.RequestID != requestID {
			continue
		}
		if req.terminal() {
			return false
		}
		apply(req)
		req.CompletedAt = time.Now()
		return true
	}
	return false
}

// ClaimForDelivery atomically removes a terminal entry and returns a copy
// of it for sending. Exactly one caller wins when the direct delivery path
// and the reconnect flush race over the same entry; the loser gets false
// and must not send. Entries still processing cannot be claimed.
func (l *Ledger) ClaimForDelivery(sessionID, requestID string) (PendingRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[sessionID]
	for i, req := range list {
		if req.RequestID != requestID {
			continue
		}
		if !req.terminal() {
			return PendingRequest{}, false
		}
		claimed := *req
		l.entries[sessionID] = append(list[:i], list[i+1:]...)
		if len(l.entries[sessionID]) == 0 {
			delete(l.entries, sessionID)
		}
		return claimed, true
	}
	return PendingRequest{}, false
}

// Restore re-inserts a claimed entry whose send failed, keeping the
// session's submission order so a later flush still replays in order.
func (l *Ledger) Restore(req PendingRequest) {
	restored := req

	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[req.SessionID]
	at := len(list)
	for i, existing := range list {
		if existing.SubmittedAt.After(restored.SubmittedAt) {
			at = i
			break
		}
	}
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = &restored
	l.entries[req.SessionID] = list
}

// Completed returns copies of the session's terminal entries in submission
// order, without removing them. Delivery goes through ClaimForDelivery.
func (l *Ledger) Completed(sessionID string) []PendingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []PendingRequest
	for _, req := range l.entries[sessionID] {
		if req.terminal() {
			out = append(out, *req)
		}
	}
	return out
}

// Drop removes the session's ledger entirely (idle-reap cascade).
func (l *Ledger) Drop(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, sessionID)
}

// Pending returns how many entries the session has, terminal or not.
func (l *Ledger) Pending(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[sessionID])
}
