package transport

import (
	"encoding/json"
	"strings"
)

// Business events the client sends. Each send is individually acknowledged
// by the server.
const (
	EventUpsertUser                 = "upsert-user"
	EventTrackEvent                 = "track-event"
	EventStartFlow                  = "start-flow"
	EventEndFlow                    = "end-flow"
	EventGoToStep                   = "go-to-step"
	EventAnswerQuestion             = "answer-question"
	EventClickChecklistTask         = "click-checklist-task"
	EventHideChecklist              = "hide-checklist"
	EventShowChecklist              = "show-checklist"
	EventUpdateClientContext        = "update-client-context"
	EventReportTooltipTargetMissing = "report-tooltip-target-missing"
)

// Control events framing the batching protocol. They carry no payload;
// batching wraps sends with markers, it never merges payload bodies.
const (
	EventBeginBatch = "begin-batch"
	EventEndBatch   = "end-batch"
)

// Events the server pushes to the client.
const (
	EventSetFlowSession      = "set-flow-session"
	EventSetChecklistSession = "set-checklist-session"
	EventServerMessage       = "server-message"
	EventAck                 = "ack"
	EventHandshake           = "handshake"
)

// Envelope is the wire frame for every message in both directions. Client
// sends carry an ID the server echoes back in its ack; server pushes have
// no ID.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Handshake is the connection payload sent as the first frame after dial.
type Handshake struct {
	Token          string        `json:"token"`
	ExternalUserID string        `json:"externalUserId"`
	ClientContext  ClientContext `json:"clientContext"`
}

// ClientContext is the environment summary included in the handshake and
// in update-client-context reports.
type ClientContext struct {
	PageURL        string `json:"pageUrl"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
}

// ResolveEndpoint combines a base URI, a path, and a sub-namespace into the
// connection URL. Each segment is normalized to exactly one leading slash
// and the result gets exactly one trailing slash, regardless of how the
// inputs were written.
func ResolveEndpoint(origin, path, namespace string) string {
	base := strings.TrimRight(origin, "/")
	joined := base + normalizeSegment(path) + normalizeSegment(namespace)
	return strings.TrimRight(joined, "/") + "/"
}

func normalizeSegment(seg string) string {
	seg = strings.Trim(seg, "/")
	if seg == "" {
		return ""
	}
	return "/" + seg
}
