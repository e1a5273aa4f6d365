// Package events distributes run events: an in-process bus for
// subscribers on the local pod, plus PostgreSQL NOTIFY/LISTEN for
// cross-pod delivery. The event log in storage is the source of truth;
// everything here is a best-effort live feed over it, and clients
// recover gaps by paging the log with their cursor.
package events

import (
	"encoding/json"

	"github.com/runforge/runforge/pkg/models"
)

// RunChannel returns the NOTIFY channel for one run's events.
// Format: "run:{run_id}".
func RunChannel(runID string) string {
	return "run:" + runID
}

// notifyLimit is the payload size above which NOTIFY carries a
// truncation envelope instead of the full event. PostgreSQL caps NOTIFY
// payloads at 8000 bytes; 7900 leaves headroom for the envelope fields.
const notifyLimit = 7900

// Envelope is the NOTIFY wire format. Pod identifies the origin replica
// so listeners can skip notifications for events their local bus already
// delivered. Truncated means Event was too large for NOTIFY and must be
// fetched from the log by (run_id, span_id).
type Envelope struct {
	RunID     string           `json:"run_id"`
	EventID   int64            `json:"event_id"`
	SpanID    string           `json:"span_id"`
	Type      models.EventType `json:"type"`
	Pod       string           `json:"pod"`
	Truncated bool             `json:"truncated,omitempty"`
	Event     json.RawMessage  `json:"event,omitempty"`
}

// ClientMessage is the client → server WebSocket message shape.
type ClientMessage struct {
	Action        string `json:"action"` // "catchup", "ping", "set_options"
	LastEventID   *int64 `json:"last_event_id,omitempty"`
	IncludeTokens *bool  `json:"include_tokens,omitempty"`
}
