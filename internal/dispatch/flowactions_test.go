package dispatch

import (
	"context"
	"testing"

	"github.com/usertour/usertour-go/internal/session"
	"github.com/usertour/usertour-go/internal/transport"
)

// Flow action tests run without a live transport: client operations are
// fire-and-report, so the local store effects are still observable.
func newFlowActionsFixture(navigate NavigateFunc, evaluate EvaluateFunc) (*FlowActions, *session.Store) {
	store := session.NewStore()
	return NewFlowActions(transport.NewClient(), store, navigate, evaluate), store
}

func TestFlowDismisClearsSession(t *testing.T) {
	f, store := newFlowActionsFixture(nil, nil)
	store.SetFlowSession(&session.FlowSession{ID: "fs1"}, nil)

	if err := f.Handle(context.Background(), Action{Type: ActionFlowDismis}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := store.FlowSession(); ok {
		t.Error("flow session survived dismissal")
	}

	// Dismissing with nothing active is a no-op, not an error.
	if err := f.Handle(context.Background(), Action{Type: ActionFlowDismis}); err != nil {
		t.Errorf("dismiss without session: %v", err)
	}
}

func TestStepGotoRequiresSession(t *testing.T) {
	f, store := newFlowActionsFixture(nil, nil)

	a := Action{Type: ActionStepGoto, Data: []byte(`{"stepCvid":"cv2"}`)}
	if err := f.Handle(context.Background(), a); err == nil {
		t.Error("step goto without a flow session succeeded")
	}

	store.SetFlowSession(&session.FlowSession{ID: "fs1"}, nil)
	if err := f.Handle(context.Background(), a); err != nil {
		t.Errorf("step goto with session: %v", err)
	}
}

func TestChecklistDismisClearsSession(t *testing.T) {
	f, store := newFlowActionsFixture(nil, nil)
	store.SetChecklistSession(&session.ChecklistSession{ID: "cs1"}, nil)

	if err := f.Handle(context.Background(), Action{Type: ActionChecklistDismis}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := store.ChecklistSession(); ok {
		t.Error("checklist session survived dismissal")
	}
}

func TestLauncherDismisRemovesLauncher(t *testing.T) {
	f, store := newFlowActionsFixture(nil, nil)
	store.AddLauncher(session.Launcher{ID: "l1"})

	a := Action{Type: ActionLauncherDismis, Data: []byte(`{"id":"l1"}`)}
	if err := f.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := len(store.Launchers()); got != 0 {
		t.Errorf("%d launchers after dismissal, want 0", got)
	}
}

func TestNavigateDelegatesToCallback(t *testing.T) {
	var gotURL string
	f, _ := newFlowActionsFixture(func(url string) error {
		gotURL = url
		return nil
	}, nil)

	a := Action{Type: ActionPageNavigate, Data: []byte(`{"url":"https://app.example.com/next"}`)}
	if err := f.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotURL != "https://app.example.com/next" {
		t.Errorf("navigated to %q", gotURL)
	}

	// Without a callback the action fails instead of silently dropping.
	bare, _ := newFlowActionsFixture(nil, nil)
	if err := bare.Handle(context.Background(), a); err == nil {
		t.Error("navigate without callback succeeded")
	}
}

func TestEvaluateDelegatesToCallback(t *testing.T) {
	var gotCode string
	f, _ := newFlowActionsFixture(nil, func(code string) error {
		gotCode = code
		return nil
	})

	a := Action{Type: ActionJavascriptEvaluate, Data: []byte(`{"code":"doThing()"}`)}
	if err := f.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotCode != "doThing()" {
		t.Errorf("evaluated %q", gotCode)
	}
}

func TestFlowActionsCanHandle(t *testing.T) {
	f, _ := newFlowActionsFixture(nil, nil)
	for _, kind := range []string{
		ActionFlowStart, ActionFlowDismis, ActionStepGoto,
		ActionChecklistDismis, ActionLauncherDismis,
		ActionPageNavigate, ActionJavascriptEvaluate,
	} {
		if !f.CanHandle(Action{Type: kind}) {
			t.Errorf("CanHandle(%s) = false", kind)
		}
	}
	if f.CanHandle(Action{Type: "SOMETHING_ELSE"}) {
		t.Error("CanHandle claimed an unknown kind")
	}
}

func TestDecodeActionRejectsBadData(t *testing.T) {
	f, _ := newFlowActionsFixture(nil, nil)
	if err := f.Handle(context.Background(), Action{Type: ActionLauncherDismis}); err == nil {
		t.Error("empty data accepted")
	}
	if err := f.Handle(context.Background(), Action{Type: ActionLauncherDismis, Data: []byte(`{`)}); err == nil {
		t.Error("malformed data accepted")
	}
}
