// Package trigger executes step triggers: condition trees that, once
// activated, fire a list of local actions, optionally after a bounded
// delay.
package trigger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usertour/usertour-go/internal/dispatch"
	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/timer"
)

// MaxWait is the ceiling on a trigger's after-activation delay. Larger
// configured waits are clamped, never rejected.
const MaxWait = 300 * time.Second

// StepTrigger is one pending trigger owned by an Executor. WaitSeconds
// delays action execution after activation; zero executes synchronously.
type StepTrigger struct {
	ID          string                  `json:"id"`
	Conditions  []*rules.RulesCondition `json:"conditions"`
	Actions     []dispatch.Action       `json:"actions"`
	WaitSeconds float64                 `json:"wait,omitempty"`
}

// ActionExecutor runs a fired trigger's actions.
type ActionExecutor func(ctx context.Context, actions []dispatch.Action)

// ContextFunc supplies the attribute snapshot for one evaluation pass.
type ContextFunc func() *rules.Context

// Executor owns the pending triggers for one content step. Each Process
// pass evaluates every pending trigger against a single attribute snapshot;
// activated triggers leave the pending list and execute their actions.
// A re-entrancy guard makes overlapping Process calls from stacked timer
// ticks return immediately instead of firing actions twice.
type Executor struct {
	id        string
	contentID string
	evaluator rules.Evaluator
	scheduler *timer.Scheduler
	snapshot  ContextFunc
	execute   ActionExecutor

	mu          sync.Mutex
	triggers    []StepTrigger
	processing  bool
	destroyed   bool
	tick        timer.Handle
	activeWaits map[string]timer.Handle
}

// NewExecutor builds an executor over its own copy of the step's triggers.
func NewExecutor(contentID string, triggers []StepTrigger, evaluator rules.Evaluator, scheduler *timer.Scheduler, snapshot ContextFunc, execute ActionExecutor) *Executor {
	owned := make([]StepTrigger, len(triggers))
	for i, t := range triggers {
		owned[i] = t
		owned[i].Conditions = rules.CloneSlice(t.Conditions)
	}
	return &Executor{
		id:          uuid.NewString(),
		contentID:   contentID,
		evaluator:   evaluator,
		scheduler:   scheduler,
		snapshot:    snapshot,
		execute:     execute,
		triggers:    owned,
		activeWaits: make(map[string]timer.Handle),
	}
}

// ContentID returns the content step this executor belongs to.
func (e *Executor) ContentID() string { return e.contentID }

// Pending returns the number of triggers still waiting to activate.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggers)
}

// Start drives Process on the given interval until Stop or Destroy.
func (e *Executor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if e.tick != 0 {
		e.scheduler.Cancel(e.tick)
	}
	e.tick = e.scheduler.Every(interval, func() {
		e.Process(ctx)
	})
	e.mu.Unlock()
}

// Stop halts the tick without cancelling pending delayed actions.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tick != 0 {
		e.scheduler.Cancel(e.tick)
		e.tick = 0
	}
}

// Process evaluates every pending trigger once and reports whether any
// remain. If another Process pass is already in flight it returns the
// current pending state without side effects. Per-trigger outcomes:
// evaluation failure keeps the trigger unchanged for retry, an evaluated
// but inactive trigger keeps its annotated conditions (so the evaluator's
// cross-tick annotations persist), and an activated trigger is removed and
// its actions executed.
func (e *Executor) Process(ctx context.Context) bool {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return false
	}
	if e.processing {
		remaining := len(e.triggers) > 0
		e.mu.Unlock()
		return remaining
	}
	e.processing = true
	pending := make([]StepTrigger, len(e.triggers))
	copy(pending, e.triggers)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.processing = false
		e.mu.Unlock()
	}()

	// One snapshot for the whole pass: every trigger sees the same state.
	ec := e.snapshot()

	var kept []StepTrigger
	var fired []StepTrigger
	for i, t := range pending {
		annotated, err := e.evaluator.Evaluate(ctx, t.Conditions, ec)
		if err != nil {
			log.Printf("trigger %s: evaluation failed, keeping for retry: %v", e.triggerKey(t, i), err)
			kept = append(kept, t)
			continue
		}
		if !rules.IsActived(annotated) {
			t.Conditions = annotated
			kept = append(kept, t)
			continue
		}
		fired = append(fired, t)
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return false
	}
	e.triggers = kept
	remaining := len(kept) > 0
	e.mu.Unlock()

	for i, t := range fired {
		e.fire(ctx, t, i)
	}
	return remaining
}

// fire executes one activated trigger, either synchronously or after its
// (clamped) wait delay.
func (e *Executor) fire(ctx context.Context, t StepTrigger, index int) {
	wait := waitDuration(t.WaitSeconds)
	if wait <= 0 {
		e.execute(ctx, t.Actions)
		return
	}

	key := e.triggerKey(t, index)
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if prev, ok := e.activeWaits[key]; ok {
		e.scheduler.Cancel(prev)
	}
	e.activeWaits[key] = e.scheduler.After(wait, func() {
		e.mu.Lock()
		dead := e.destroyed
		delete(e.activeWaits, key)
		e.mu.Unlock()
		if dead {
			return
		}
		e.execute(context.Background(), t.Actions)
	})
	e.mu.Unlock()
}

// waitDuration converts a trigger's configured wait into a duration,
// clamped at MaxWait.
func waitDuration(seconds float64) time.Duration {
	wait := time.Duration(seconds * float64(time.Second))
	if wait > MaxWait {
		return MaxWait
	}
	return wait
}

// triggerKey is the cancellation bookkeeping key for one trigger's delayed
// action, unique to this executor instance.
func (e *Executor) triggerKey(t StepTrigger, index int) string {
	if t.ID != "" {
		return e.id + ":" + t.ID
	}
	return e.id + ":" + fmt.Sprintf("trigger-%d", index)
}

// Destroy cancels every pending delayed action, clears the trigger list,
// and resets the processing guard. Delayed actions that have not fired yet
// never will; actions already dispatched cannot be recalled. Safe to call
// at any time, including while a Process pass is in flight.
func (e *Executor) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	if e.tick != 0 {
		e.scheduler.Cancel(e.tick)
		e.tick = 0
	}
	for key, h := range e.activeWaits {
		e.scheduler.Cancel(h)
		delete(e.activeWaits, key)
	}
	e.triggers = nil
	e.processing = false
}
