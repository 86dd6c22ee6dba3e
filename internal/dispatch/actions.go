// Package dispatch fans server-pushed control messages in and local UI
// actions out through kind-keyed handler registries. Dispatch never panics
// through to callers: unknown kinds and handler failures degrade to logged
// no-ops.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
)

// Local action kinds.
const (
	ActionFlowStart          = "FLOW_START"
	ActionJavascriptEvaluate = "JAVASCRIPT_EVALUATE"
	ActionPageNavigate       = "PAGE_NAVIGATE"
	ActionLauncherDismis     = "LAUNCHER_DISMIS"
	ActionChecklistDismis    = "CHECKLIST_DISMIS"
	ActionStepGoto           = "STEP_GOTO"
	ActionFlowDismis         = "FLOW_DISMIS"
)

// Action is one local effect requested by a fired trigger or a server
// command, discriminated by Type.
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionHandler executes actions of the kinds it claims via CanHandle.
type ActionHandler interface {
	CanHandle(a Action) bool
	Handle(ctx context.Context, a Action) error
}

// ActionManager routes actions to registered handlers. HandleActions runs
// every non-navigation action first, sequentially and in input order, then
// navigation actions last in their original relative order: navigation may
// unload the page, so every other effect must have completed before it.
type ActionManager struct {
	handlers []ActionHandler
}

func NewActionManager(handlers ...ActionHandler) *ActionManager {
	return &ActionManager{handlers: handlers}
}

func (m *ActionManager) Register(h ActionHandler) {
	m.handlers = append(m.handlers, h)
}

// HandleActions executes the action list under the navigation-last ordering
// contract. Failures are logged and skipped; execution always continues, a
// broken action must never interrupt the surrounding UI.
func (m *ActionManager) HandleActions(ctx context.Context, actions []Action) {
	var navigations []Action
	for _, a := range actions {
		if a.Type == ActionPageNavigate {
			navigations = append(navigations, a)
			continue
		}
		m.handleOne(ctx, a)
	}
	for _, a := range navigations {
		m.handleOne(ctx, a)
	}
}

func (m *ActionManager) handleOne(ctx context.Context, a Action) {
	for _, h := range m.handlers {
		if !h.CanHandle(a) {
			continue
		}
		if err := h.Handle(ctx, a); err != nil {
			log.Printf("action %s: handler failed: %v", a.Type, err)
		}
		return
	}
	log.Printf("action %s: no handler registered, skipping", a.Type)
}
