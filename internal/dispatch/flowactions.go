package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/usertour/usertour-go/internal/session"
	"github.com/usertour/usertour-go/internal/transport"
)

// NavigateFunc performs a page navigation on behalf of the embedder.
type NavigateFunc func(url string) error

// EvaluateFunc runs a snippet of embedder-provided script.
type EvaluateFunc func(code string) error

// FlowActions is the default ActionHandler covering every local action
// kind. Flow and checklist effects go through the realtime transport as
// fire-and-report operations; navigation and script evaluation are
// delegated to embedder callbacks.
type FlowActions struct {
	client   *transport.Client
	store    *session.Store
	navigate NavigateFunc
	evaluate EvaluateFunc
}

func NewFlowActions(client *transport.Client, store *session.Store, navigate NavigateFunc, evaluate EvaluateFunc) *FlowActions {
	return &FlowActions{client: client, store: store, navigate: navigate, evaluate: evaluate}
}

func (f *FlowActions) CanHandle(a Action) bool {
	switch a.Type {
	case ActionFlowStart, ActionFlowDismis, ActionStepGoto,
		ActionChecklistDismis, ActionLauncherDismis,
		ActionPageNavigate, ActionJavascriptEvaluate:
		return true
	}
	return false
}

func (f *FlowActions) Handle(ctx context.Context, a Action) error {
	switch a.Type {
	case ActionFlowStart:
		var p struct {
			ContentID string `json:"contentId"`
			VersionID string `json:"versionId"`
		}
		if err := decodeAction(a, &p); err != nil {
			return err
		}
		_, err := f.client.StartFlow(ctx, transport.StartFlowParams{
			ContentID: p.ContentID,
			VersionID: p.VersionID,
			Reason:    "action",
		})
		return err

	case ActionFlowDismis:
		fs, ok := f.store.FlowSession()
		if !ok {
			return nil
		}
		f.store.UnsetFlowSession(fs.ID)
		_, err := f.client.EndFlow(ctx, transport.EndFlowParams{SessionID: fs.ID, Reason: "dismissed"})
		return err

	case ActionStepGoto:
		var p struct {
			StepCvid string `json:"stepCvid"`
		}
		if err := decodeAction(a, &p); err != nil {
			return err
		}
		fs, ok := f.store.FlowSession()
		if !ok {
			return fmt.Errorf("step goto with no active flow session")
		}
		_, err := f.client.GoToStep(ctx, transport.GoToStepParams{SessionID: fs.ID, StepCvid: p.StepCvid})
		return err

	case ActionChecklistDismis:
		cs, ok := f.store.ChecklistSession()
		if !ok {
			return nil
		}
		f.store.UnsetChecklistSession(cs.ID)
		_, err := f.client.HideChecklist(ctx, transport.ChecklistVisibilityParams{SessionID: cs.ID})
		return err

	case ActionLauncherDismis:
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeAction(a, &p); err != nil {
			return err
		}
		f.store.RemoveLauncher(p.ID)
		return nil

	case ActionPageNavigate:
		var p struct {
			URL string `json:"url"`
		}
		if err := decodeAction(a, &p); err != nil {
			return err
		}
		if f.navigate == nil {
			return fmt.Errorf("no navigate callback configured")
		}
		return f.navigate(p.URL)

	case ActionJavascriptEvaluate:
		var p struct {
			Code string `json:"code"`
		}
		if err := decodeAction(a, &p); err != nil {
			return err
		}
		if f.evaluate == nil {
			return fmt.Errorf("no evaluate callback configured")
		}
		return f.evaluate(p.Code)
	}
	return fmt.Errorf("unsupported action %s", a.Type)
}

func decodeAction(a Action, v any) error {
	if len(a.Data) == 0 {
		return fmt.Errorf("action %s: empty data", a.Type)
	}
	if err := json.Unmarshal(a.Data, v); err != nil {
		return fmt.Errorf("action %s: decode data: %w", a.Type, err)
	}
	return nil
}
