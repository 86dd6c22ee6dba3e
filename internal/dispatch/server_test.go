package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/usertour/usertour-go/internal/monitor"
	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/session"
	"github.com/usertour/usertour-go/internal/timer"
)

func TestHandleServerMessageMissingHandler(t *testing.T) {
	m := NewServerMessageManager()
	if m.HandleServerMessage(context.Background(), "Nope", nil) {
		t.Error("unregistered kind reported handled")
	}
}

func TestHandleServerMessageOutcomes(t *testing.T) {
	m := NewServerMessageManager()
	m.Register(HandlerFunc("ok", func(ctx context.Context, payload json.RawMessage) error {
		return nil
	}))
	m.Register(HandlerFunc("fails", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("boom")
	}))
	m.Register(HandlerFunc("panics", func(ctx context.Context, payload json.RawMessage) error {
		panic("boom")
	}))

	ctx := context.Background()
	if !m.HandleServerMessage(ctx, "ok", nil) {
		t.Error("successful handler reported unhandled")
	}
	if m.HandleServerMessage(ctx, "fails", nil) {
		t.Error("failing handler reported handled")
	}
	if m.HandleServerMessage(ctx, "panics", nil) {
		t.Error("panicking handler reported handled")
	}
	// The manager must survive the panic.
	if !m.HandleServerMessage(ctx, "ok", nil) {
		t.Error("manager broken after recovered panic")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	m := NewServerMessageManager()
	var hit string
	m.Register(HandlerFunc("k", func(ctx context.Context, payload json.RawMessage) error {
		hit = "old"
		return nil
	}))
	m.Register(HandlerFunc("k", func(ctx context.Context, payload json.RawMessage) error {
		hit = "new"
		return nil
	}))

	m.HandleServerMessage(context.Background(), "k", nil)
	if hit != "new" {
		t.Errorf("dispatched to %q, want the replacement handler", hit)
	}
}

// passEvaluator marks every tree actived unconditionally.
type passEvaluator struct{}

func (passEvaluator) Evaluate(ctx context.Context, conds []*rules.RulesCondition, ec *rules.Context) ([]*rules.RulesCondition, error) {
	out := rules.CloneSlice(conds)
	for _, c := range out {
		c.Actived = true
	}
	return out, nil
}

type sessionFixture struct {
	store    *session.Store
	monitor  *monitor.ConditionMonitor
	sched    *timer.Scheduler
	handlers *SessionHandlers
	manager  *ServerMessageManager
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	store := session.NewStore()
	sched := timer.NewScheduler()
	t.Cleanup(sched.Stop)
	mon := monitor.NewConditionMonitor(passEvaluator{}, sched, func() *rules.Context { return &rules.Context{} }, nil)
	h := NewSessionHandlers(store, mon, sched)
	m := NewServerMessageManager()
	h.RegisterAll(m)
	return &sessionFixture{store: store, monitor: mon, sched: sched, handlers: h, manager: m}
}

func (f *sessionFixture) dispatch(t *testing.T, kind string, payload string) bool {
	t.Helper()
	return f.manager.HandleServerMessage(context.Background(), kind, json.RawMessage(payload))
}

func TestSetAndUnsetFlowSession(t *testing.T) {
	f := newSessionFixture(t)

	if !f.dispatch(t, MsgSetFlowSession, `{"id":"fs1","contentId":"c1","stepIndex":2,"attributes":{"plan":"pro"}}`) {
		t.Fatal("SetFlowSession not handled")
	}
	fs, ok := f.store.FlowSession()
	if !ok || fs.ID != "fs1" || fs.StepIndex != 2 {
		t.Fatalf("stored session = %+v, ok=%v", fs, ok)
	}
	if attrs := f.store.Attributes(); attrs["plan"] != "pro" {
		t.Errorf("session attributes not merged into store: %v", attrs)
	}

	// Unset with a stale id must not clear the live session.
	f.dispatch(t, MsgUnsetFlowSession, `{"sessionId":"other"}`)
	if _, ok := f.store.FlowSession(); !ok {
		t.Error("unset with mismatched id cleared the session")
	}

	f.dispatch(t, MsgUnsetFlowSession, `{"sessionId":"fs1"}`)
	if _, ok := f.store.FlowSession(); ok {
		t.Error("session survived a matching unset")
	}
}

func TestSetFlowSessionRejectsMissingID(t *testing.T) {
	f := newSessionFixture(t)
	if f.dispatch(t, MsgSetFlowSession, `{"contentId":"c1"}`) {
		t.Error("flow session without id reported handled")
	}
}

func TestForceGoToStep(t *testing.T) {
	f := newSessionFixture(t)
	var forcedSession, forcedStep string
	f.handlers.OnForceStep(func(sessionID, stepCvid string) {
		forcedSession, forcedStep = sessionID, stepCvid
	})

	f.dispatch(t, MsgSetFlowSession, `{"id":"fs1"}`)
	if !f.dispatch(t, MsgForceGoToStep, `{"sessionId":"fs1","stepIndex":3,"stepCvid":"cv3"}`) {
		t.Fatal("ForceGoToStep not handled")
	}

	fs, _ := f.store.FlowSession()
	if fs.StepIndex != 3 || fs.StepCvid != "cv3" {
		t.Errorf("step not applied: %+v", fs)
	}
	if forcedSession != "fs1" || forcedStep != "cv3" {
		t.Errorf("callback got (%q, %q), want (fs1, cv3)", forcedSession, forcedStep)
	}

	if f.dispatch(t, MsgForceGoToStep, `{"sessionId":"missing","stepIndex":1}`) {
		t.Error("step change for unknown session reported handled")
	}
}

func TestChecklistLifecycle(t *testing.T) {
	f := newSessionFixture(t)

	payload := `{"id":"cs1","tasks":[{"id":"t1"},{"id":"t2"}]}`
	if !f.dispatch(t, MsgSetChecklistSession, payload) {
		t.Fatal("SetChecklistSession not handled")
	}

	if !f.dispatch(t, MsgChecklistTaskCompleted, `{"sessionId":"cs1","taskId":"t1"}`) {
		t.Fatal("ChecklistTaskCompleted not handled")
	}
	cs, _ := f.store.ChecklistSession()
	if !cs.Tasks[0].Completed || cs.Tasks[1].Completed {
		t.Errorf("task completion wrong: %+v", cs.Tasks)
	}

	if f.dispatch(t, MsgChecklistTaskCompleted, `{"sessionId":"cs1","taskId":"missing"}`) {
		t.Error("unknown task reported handled")
	}

	f.dispatch(t, MsgUnsetChecklistSession, `{"sessionId":"cs1"}`)
	if _, ok := f.store.ChecklistSession(); ok {
		t.Error("checklist survived unset")
	}
}

func TestLauncherHandlers(t *testing.T) {
	f := newSessionFixture(t)

	f.dispatch(t, MsgAddLauncher, `{"id":"l1"}`)
	f.dispatch(t, MsgAddLauncher, `{"id":"l2"}`)
	if got := len(f.store.Launchers()); got != 2 {
		t.Fatalf("%d launchers, want 2", got)
	}

	f.dispatch(t, MsgRemoveLauncher, `{"id":"l1"}`)
	ls := f.store.Launchers()
	if len(ls) != 1 || ls[0].ID != "l2" {
		t.Errorf("launchers after remove = %+v, want [l2]", ls)
	}
}

func TestTrackAndUntrackClientCondition(t *testing.T) {
	f := newSessionFixture(t)

	payload := `{"contentId":"c1","contentType":"flow","versionId":"v1","condition":{"id":"cond1","type":"user-attr"}}`
	if !f.dispatch(t, MsgTrackClientCondition, payload) {
		t.Fatal("TrackClientCondition not handled")
	}
	if got := len(f.monitor.Conditions()); got != 1 {
		t.Fatalf("%d tracked conditions, want 1", got)
	}

	if f.dispatch(t, MsgTrackClientCondition, `{"contentId":"c1"}`) {
		t.Error("track without condition id reported handled")
	}

	f.dispatch(t, MsgUntrackClientCondition, `{"conditionId":"cond1"}`)
	if got := len(f.monitor.Conditions()); got != 0 {
		t.Errorf("%d tracked conditions after untrack, want 0", got)
	}
}

func TestConditionWaitTimer(t *testing.T) {
	f := newSessionFixture(t)

	expired := make(chan string, 1)
	f.handlers.OnWaitExpire(func(timerID string) { expired <- timerID })

	if !f.dispatch(t, MsgStartConditionWaitTimer, `{"timerId":"w1","durationSeconds":0.02}`) {
		t.Fatal("StartConditionWaitTimer not handled")
	}

	select {
	case id := <-expired:
		if id != "w1" {
			t.Errorf("expired timer %q, want w1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("wait timer never expired")
	}
}

func TestCancelConditionWaitTimer(t *testing.T) {
	f := newSessionFixture(t)

	var mu sync.Mutex
	var expired []string
	f.handlers.OnWaitExpire(func(timerID string) {
		mu.Lock()
		expired = append(expired, timerID)
		mu.Unlock()
	})

	f.dispatch(t, MsgStartConditionWaitTimer, `{"timerId":"w1","durationSeconds":0.02}`)
	if !f.dispatch(t, MsgCancelConditionWaitTimer, `{"timerId":"w1"}`) {
		t.Fatal("CancelConditionWaitTimer not handled")
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 0 {
		t.Errorf("cancelled timer still expired: %v", expired)
	}
}

func TestRestartWaitTimerReplaces(t *testing.T) {
	f := newSessionFixture(t)

	expirations := make(chan string, 4)
	f.handlers.OnWaitExpire(func(timerID string) { expirations <- timerID })

	f.dispatch(t, MsgStartConditionWaitTimer, `{"timerId":"w1","durationSeconds":0.02}`)
	f.dispatch(t, MsgStartConditionWaitTimer, `{"timerId":"w1","durationSeconds":0.02}`)

	// Only the replacement fires; the first registration was cancelled.
	<-expirations
	select {
	case <-expirations:
		t.Error("restarted timer fired twice")
	case <-time.After(60 * time.Millisecond):
	}
}
