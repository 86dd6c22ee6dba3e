package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/usertour/usertour-go/internal/monitor"
	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/session"
	"github.com/usertour/usertour-go/internal/timer"
)

// SessionHandlers is the default server-message handler set. It applies
// server-pushed commands to the local session replica, the condition
// monitor's tracked set, and the shared scheduler.
type SessionHandlers struct {
	store      *session.Store
	conditions *monitor.ConditionMonitor
	scheduler  *timer.Scheduler

	// onWaitExpire fires when a condition wait timer elapses without being
	// cancelled. Optional.
	onWaitExpire func(timerID string)
	// onForceStep fires when the server forces a step change. Optional.
	onForceStep func(sessionID, stepCvid string)

	mu         sync.Mutex
	waitTimers map[string]timer.Handle
}

func NewSessionHandlers(store *session.Store, conditions *monitor.ConditionMonitor, scheduler *timer.Scheduler) *SessionHandlers {
	return &SessionHandlers{
		store:      store,
		conditions: conditions,
		scheduler:  scheduler,
		waitTimers: make(map[string]timer.Handle),
	}
}

// OnWaitExpire sets the callback for elapsed condition wait timers.
func (h *SessionHandlers) OnWaitExpire(fn func(timerID string)) { h.onWaitExpire = fn }

// OnForceStep sets the callback for server-forced step changes.
func (h *SessionHandlers) OnForceStep(fn func(sessionID, stepCvid string)) { h.onForceStep = fn }

// RegisterAll installs a handler for every supported message kind.
func (h *SessionHandlers) RegisterAll(m *ServerMessageManager) {
	m.Register(HandlerFunc(MsgSetFlowSession, h.setFlowSession))
	m.Register(HandlerFunc(MsgForceGoToStep, h.forceGoToStep))
	m.Register(HandlerFunc(MsgUnsetFlowSession, h.unsetFlowSession))
	m.Register(HandlerFunc(MsgSetChecklistSession, h.setChecklistSession))
	m.Register(HandlerFunc(MsgUnsetChecklistSession, h.unsetChecklistSession))
	m.Register(HandlerFunc(MsgChecklistTaskCompleted, h.checklistTaskCompleted))
	m.Register(HandlerFunc(MsgAddLauncher, h.addLauncher))
	m.Register(HandlerFunc(MsgRemoveLauncher, h.removeLauncher))
	m.Register(HandlerFunc(MsgTrackClientCondition, h.trackClientCondition))
	m.Register(HandlerFunc(MsgUntrackClientCondition, h.untrackClientCondition))
	m.Register(HandlerFunc(MsgStartConditionWaitTimer, h.startConditionWaitTimer))
	m.Register(HandlerFunc(MsgCancelConditionWaitTimer, h.cancelConditionWaitTimer))
}

func (h *SessionHandlers) setFlowSession(ctx context.Context, payload json.RawMessage) error {
	var fs session.FlowSession
	if err := decode(payload, &fs); err != nil {
		return err
	}
	if fs.ID == "" {
		return fmt.Errorf("flow session missing id")
	}
	if fs.UpdatedAt.IsZero() {
		fs.UpdatedAt = time.Now()
	}
	h.store.SetFlowSession(&fs, nil)
	if len(fs.Attributes) > 0 {
		h.store.SetAttributes(fs.Attributes)
	}
	return nil
}

func (h *SessionHandlers) forceGoToStep(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		SessionID string `json:"sessionId"`
		StepIndex int    `json:"stepIndex"`
		StepCvid  string `json:"stepCvid"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	if !h.store.SetFlowStep(p.SessionID, p.StepIndex, p.StepCvid) {
		return fmt.Errorf("no matching flow session %q", p.SessionID)
	}
	if h.onForceStep != nil {
		h.onForceStep(p.SessionID, p.StepCvid)
	}
	return nil
}

func (h *SessionHandlers) unsetFlowSession(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	h.store.UnsetFlowSession(p.SessionID)
	return nil
}

func (h *SessionHandlers) setChecklistSession(ctx context.Context, payload json.RawMessage) error {
	var cs session.ChecklistSession
	if err := decode(payload, &cs); err != nil {
		return err
	}
	if cs.ID == "" {
		return fmt.Errorf("checklist session missing id")
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = time.Now()
	}
	h.store.SetChecklistSession(&cs, nil)
	return nil
}

func (h *SessionHandlers) unsetChecklistSession(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	h.store.UnsetChecklistSession(p.SessionID)
	return nil
}

func (h *SessionHandlers) checklistTaskCompleted(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		SessionID string `json:"sessionId"`
		TaskID    string `json:"taskId"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	if !h.store.CompleteChecklistTask(p.SessionID, p.TaskID) {
		return fmt.Errorf("unknown checklist task %q", p.TaskID)
	}
	return nil
}

func (h *SessionHandlers) addLauncher(ctx context.Context, payload json.RawMessage) error {
	var l session.Launcher
	if err := decode(payload, &l); err != nil {
		return err
	}
	if l.ID == "" {
		return fmt.Errorf("launcher missing id")
	}
	h.store.AddLauncher(l)
	return nil
}

func (h *SessionHandlers) removeLauncher(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	h.store.RemoveLauncher(p.ID)
	return nil
}

func (h *SessionHandlers) trackClientCondition(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		ContentID   string                `json:"contentId"`
		ContentType string                `json:"contentType"`
		VersionID   string                `json:"versionId"`
		Condition   *rules.RulesCondition `json:"condition"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.Condition == nil || p.Condition.ID == "" {
		return fmt.Errorf("track condition missing condition id")
	}
	h.conditions.AddConditions(ctx, []monitor.TrackCondition{{
		ContentID:   p.ContentID,
		ContentType: p.ContentType,
		VersionID:   p.VersionID,
		Condition:   p.Condition,
	}})
	return nil
}

func (h *SessionHandlers) untrackClientCondition(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		ConditionID string `json:"conditionId"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	h.conditions.RemoveConditions([]string{p.ConditionID})
	return nil
}

func (h *SessionHandlers) startConditionWaitTimer(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		TimerID         string  `json:"timerId"`
		DurationSeconds float64 `json:"durationSeconds"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.TimerID == "" {
		return fmt.Errorf("wait timer missing id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Restarting an existing timer replaces it rather than stacking.
	if prev, ok := h.waitTimers[p.TimerID]; ok {
		h.scheduler.Cancel(prev)
	}
	id := p.TimerID
	h.waitTimers[id] = h.scheduler.After(time.Duration(p.DurationSeconds*float64(time.Second)), func() {
		h.mu.Lock()
		delete(h.waitTimers, id)
		h.mu.Unlock()
		if h.onWaitExpire != nil {
			h.onWaitExpire(id)
		}
	})
	return nil
}

func (h *SessionHandlers) cancelConditionWaitTimer(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		TimerID string `json:"timerId"`
	}
	if err := decode(payload, &p); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle, ok := h.waitTimers[p.TimerID]; ok {
		h.scheduler.Cancel(handle)
		delete(h.waitTimers, p.TimerID)
	}
	return nil
}
