package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/usertour/usertour-go/internal/dispatch"
	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/timer"
)

// fakeEvaluator marks each tree actived per the scripted results map.
// Set err to fail a pass, block to stall passes until released.
type fakeEvaluator struct {
	mu      sync.Mutex
	results map[string]bool
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, conds []*rules.RulesCondition, ec *rules.Context) ([]*rules.RulesCondition, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	results := make(map[string]bool, len(f.results))
	for k, v := range f.results {
		results[k] = v
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	out := rules.CloneSlice(conds)
	for _, c := range out {
		c.Actived = results[c.ID]
	}
	return out, nil
}

func (f *fakeEvaluator) set(id string, actived bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]bool)
	}
	f.results[id] = actived
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type actionRecorder struct {
	mu    sync.Mutex
	runs  int
	kinds []string
}

func (r *actionRecorder) execute(ctx context.Context, actions []dispatch.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	for _, a := range actions {
		r.kinds = append(r.kinds, a.Type)
	}
}

func (r *actionRecorder) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func stepTrigger(id string, wait float64) StepTrigger {
	return StepTrigger{
		ID:          id,
		Conditions:  []*rules.RulesCondition{{ID: id, Type: rules.TypeUserAttr}},
		Actions:     []dispatch.Action{{Type: dispatch.ActionFlowStart}},
		WaitSeconds: wait,
	}
}

func newTestExecutor(ev *fakeEvaluator, rec *actionRecorder, triggers ...StepTrigger) (*Executor, *timer.Scheduler) {
	sched := timer.NewScheduler()
	snapshot := func() *rules.Context { return &rules.Context{} }
	e := NewExecutor("content-1", triggers, ev, sched, snapshot, rec.execute)
	return e, sched
}

func TestProcessFiresActivatedTrigger(t *testing.T) {
	ev := &fakeEvaluator{}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0))
	defer sched.Stop()

	remaining := e.Process(context.Background())
	if remaining {
		t.Error("Process reported pending triggers after the only one fired")
	}
	if got := rec.runCount(); got != 1 {
		t.Errorf("executed %d times, want 1", got)
	}
	if got := e.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestProcessKeepsInactiveTrigger(t *testing.T) {
	ev := &fakeEvaluator{}
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0))
	defer sched.Stop()

	remaining := e.Process(context.Background())
	if !remaining {
		t.Error("Process reported no pending triggers, want one kept")
	}
	if got := rec.runCount(); got != 0 {
		t.Errorf("inactive trigger executed %d times, want 0", got)
	}
}

func TestProcessKeepsTriggerOnEvaluatorError(t *testing.T) {
	ev := &fakeEvaluator{err: errors.New("evaluator down")}
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0))
	defer sched.Stop()

	if !e.Process(context.Background()) {
		t.Error("failed evaluation dropped the trigger")
	}
	if got := e.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}

	// Once the evaluator recovers the kept trigger can still fire.
	ev.mu.Lock()
	ev.err = nil
	ev.mu.Unlock()
	ev.set("t1", true)
	if e.Process(context.Background()) {
		t.Error("recovered trigger did not fire")
	}
	if got := rec.runCount(); got != 1 {
		t.Errorf("executed %d times, want 1", got)
	}
}

func TestProcessFiresEachTriggerOnce(t *testing.T) {
	ev := &fakeEvaluator{}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0), stepTrigger("t2", 0))
	defer sched.Stop()

	e.Process(context.Background())
	e.Process(context.Background())
	e.Process(context.Background())

	if got := rec.runCount(); got != 1 {
		t.Errorf("t1 executed %d times over three passes, want 1", got)
	}
	if got := e.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1 (t2 still waiting)", got)
	}
}

func TestOverlappingProcessReturnsWithoutFiring(t *testing.T) {
	ev := &fakeEvaluator{block: make(chan struct{})}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0))
	defer sched.Stop()

	done := make(chan struct{})
	go func() {
		e.Process(context.Background()) // stalls inside the evaluator
		close(done)
	}()

	deadline := time.After(time.Second)
	for ev.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("first pass never reached the evaluator")
		case <-time.After(time.Millisecond):
		}
	}

	// The overlapping call must report the pending state it can see and
	// must not run a second evaluation.
	if !e.Process(context.Background()) {
		t.Error("overlapping Process reported no pending triggers")
	}
	if got := ev.callCount(); got != 1 {
		t.Errorf("overlapping Process reached the evaluator: %d calls, want 1", got)
	}

	ev.block <- struct{}{}
	<-done
	if got := rec.runCount(); got != 1 {
		t.Errorf("executed %d times, want 1", got)
	}
}

func TestDelayedTriggerFiresAfterWait(t *testing.T) {
	ev := &fakeEvaluator{}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0.02))
	defer sched.Stop()

	if e.Process(context.Background()) {
		t.Error("activated delayed trigger stayed pending")
	}
	if got := rec.runCount(); got != 0 {
		t.Errorf("delayed trigger executed before its wait: %d runs", got)
	}

	deadline := time.After(time.Second)
	for rec.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("delayed trigger never fired")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDestroyCancelsDelayedActions(t *testing.T) {
	ev := &fakeEvaluator{}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0.02))
	defer sched.Stop()

	e.Process(context.Background())
	e.Destroy()

	time.Sleep(60 * time.Millisecond)
	if got := rec.runCount(); got != 0 {
		t.Errorf("destroyed executor still ran %d delayed actions, want 0", got)
	}
	if got := e.Pending(); got != 0 {
		t.Errorf("Pending() after Destroy = %d, want 0", got)
	}
	if e.Process(context.Background()) {
		t.Error("Process on destroyed executor reported pending triggers")
	}
}

func TestWaitDurationClamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{0, 0},
		{0.5, 500 * time.Millisecond},
		{30, 30 * time.Second},
		{300, MaxWait},
		{301, MaxWait},
		{86400, MaxWait},
	}
	for _, tt := range tests {
		if got := waitDuration(tt.seconds); got != tt.want {
			t.Errorf("waitDuration(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestStartDrivesProcess(t *testing.T) {
	ev := &fakeEvaluator{}
	ev.set("t1", true)
	rec := &actionRecorder{}
	e, sched := newTestExecutor(ev, rec, stepTrigger("t1", 0))
	defer sched.Stop()

	e.Start(context.Background(), 5*time.Millisecond)
	defer e.Stop()

	deadline := time.After(time.Second)
	for rec.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("ticker never fired the trigger")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestExecutorOwnsItsConditions(t *testing.T) {
	ev := &fakeEvaluator{}
	rec := &actionRecorder{}
	trig := stepTrigger("t1", 0)
	e, sched := newTestExecutor(ev, rec, trig)
	defer sched.Stop()

	// Mutating the caller's tree must not affect the executor's copy.
	trig.Conditions[0].ID = "mutated"
	ev.set("t1", true)
	if e.Process(context.Background()) {
		t.Error("executor saw the caller's mutation instead of its own copy")
	}
}
