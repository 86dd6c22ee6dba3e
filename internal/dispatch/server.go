package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Server-pushed control message kinds.
const (
	MsgSetFlowSession           = "SetFlowSession"
	MsgForceGoToStep            = "ForceGoToStep"
	MsgUnsetFlowSession         = "UnsetFlowSession"
	MsgSetChecklistSession      = "SetChecklistSession"
	MsgUnsetChecklistSession    = "UnsetChecklistSession"
	MsgChecklistTaskCompleted   = "ChecklistTaskCompleted"
	MsgAddLauncher              = "AddLauncher"
	MsgRemoveLauncher           = "RemoveLauncher"
	MsgTrackClientCondition     = "TrackClientCondition"
	MsgUntrackClientCondition   = "UntrackClientCondition"
	MsgStartConditionWaitTimer  = "StartConditionWaitTimer"
	MsgCancelConditionWaitTimer = "CancelConditionWaitTimer"
)

// ServerMessageHandler handles one fixed message kind.
type ServerMessageHandler interface {
	MessageKind() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// ServerMessageManager maps message kinds to handlers. Dispatch always
// yields a boolean outcome: a missing handler is a logged warning, a
// handler failure (error or panic) is logged and reported as false.
type ServerMessageManager struct {
	handlers map[string]ServerMessageHandler
}

func NewServerMessageManager() *ServerMessageManager {
	return &ServerMessageManager{handlers: make(map[string]ServerMessageHandler)}
}

// Register installs h for its kind, replacing any previous handler.
func (m *ServerMessageManager) Register(h ServerMessageHandler) {
	m.handlers[h.MessageKind()] = h
}

// HandleServerMessage dispatches one message by kind.
func (m *ServerMessageManager) HandleServerMessage(ctx context.Context, kind string, payload json.RawMessage) (handled bool) {
	h, ok := m.handlers[kind]
	if !ok {
		log.Printf("server message %s: no handler registered", kind)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("server message %s: handler panic: %v", kind, r)
			handled = false
		}
	}()

	if err := h.Handle(ctx, payload); err != nil {
		log.Printf("server message %s: %v", kind, err)
		return false
	}
	return true
}

// funcHandler adapts a closure to ServerMessageHandler.
type funcHandler struct {
	kind string
	fn   func(ctx context.Context, payload json.RawMessage) error
}

func (h funcHandler) MessageKind() string { return h.kind }

func (h funcHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	return h.fn(ctx, payload)
}

// HandlerFunc builds a ServerMessageHandler for kind from a closure.
func HandlerFunc(kind string, fn func(ctx context.Context, payload json.RawMessage) error) ServerMessageHandler {
	return funcHandler{kind: kind, fn: fn}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
