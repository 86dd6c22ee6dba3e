// Package monitor tracks rule trees against live attribute/page state and
// emits activation edge transitions. Two pollers live here: ConditionMonitor
// for content-scoped tracked conditions and RuleMonitor for plain trigger
// rule sets tied to UI components.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/timer"
)

// DefaultInterval is the poll interval used when Start is given zero.
const DefaultInterval = time.Second

// State labels the two edge transitions a monitor reports.
type State string

const (
	Activated   State = "activated"
	Deactivated State = "deactivated"
)

// TrackCondition is one monitored condition. Identity is Condition.ID;
// adding a second condition with the same id replaces the first.
type TrackCondition struct {
	ContentID   string
	ContentType string
	VersionID   string
	Condition   *rules.RulesCondition
}

// ConditionEvent reports one edge transition. Condition is the
// evaluator-annotated tree from the pass that produced the transition.
type ConditionEvent struct {
	ConditionID string
	ContentID   string
	ContentType string
	VersionID   string
	State       State
	Condition   *rules.RulesCondition
}

// ContextFunc supplies the evaluation context snapshot for one pass.
type ContextFunc func() *rules.Context

// ConditionMonitor polls the evaluator over its tracked set and diffs
// activation state between passes. An id is in the active set iff the most
// recent pass marked its condition actived; the set is mutated before the
// corresponding event is emitted, so handlers always observe consistent
// state. Overlapping ticks are skipped via an in-flight flag.
type ConditionMonitor struct {
	evaluator rules.Evaluator
	scheduler *timer.Scheduler
	snapshot  ContextFunc
	onChange  func(ConditionEvent)

	mu       sync.Mutex
	conds    []TrackCondition
	active   map[string]bool
	tick     timer.Handle
	tickCtx  context.Context
	inFlight bool
}

func NewConditionMonitor(evaluator rules.Evaluator, scheduler *timer.Scheduler, snapshot ContextFunc, onChange func(ConditionEvent)) *ConditionMonitor {
	return &ConditionMonitor{
		evaluator: evaluator,
		scheduler: scheduler,
		snapshot:  snapshot,
		onChange:  onChange,
		active:    make(map[string]bool),
	}
}

// AddConditions inserts conditions into the tracked set, replacing any
// existing entry that shares a condition id (last write wins, including its
// active-set membership). The new entries are evaluated once immediately so
// an already-true condition reports activated without waiting for the next
// tick, and an immediately-false one reports deactivated exactly once.
func (m *ConditionMonitor) AddConditions(ctx context.Context, list []TrackCondition) {
	if len(list) == 0 {
		return
	}

	m.mu.Lock()
	for _, tc := range list {
		if tc.Condition == nil || tc.Condition.ID == "" {
			continue
		}
		m.removeLocked(tc.Condition.ID)
		m.conds = append(m.conds, tc)
	}
	m.mu.Unlock()

	// Seed pass over exactly the newly added conditions.
	m.evaluate(ctx, list, true)
}

// RemoveConditions drops the given condition ids from the tracked set and
// the active set. Unknown ids are ignored.
func (m *ConditionMonitor) RemoveConditions(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.removeLocked(id)
	}
}

// ClearConditions empties the tracked set and the active set.
func (m *ConditionMonitor) ClearConditions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conds = nil
	m.active = make(map[string]bool)
}

// Conditions returns a copy of the tracked set.
func (m *ConditionMonitor) Conditions() []TrackCondition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackCondition, len(m.conds))
	copy(out, m.conds)
	return out
}

// ActiveIDs returns the ids currently considered active.
func (m *ConditionMonitor) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// Start begins polling at the given interval (DefaultInterval when zero).
// Idempotent: any existing ticker is stopped first, so two Start calls
// never leave two tickers running.
func (m *ConditionMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m.mu.Lock()
	if m.tick != 0 {
		m.scheduler.Cancel(m.tick)
	}
	m.tickCtx = ctx
	m.tick = m.scheduler.Every(interval, m.checkConditions)
	m.mu.Unlock()
}

// Stop halts polling. Tracked conditions and activation state are kept, so
// a later Start resumes diffing from where it left off.
func (m *ConditionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick != 0 {
		m.scheduler.Cancel(m.tick)
		m.tick = 0
	}
}

// checkConditions is one poll tick: batch-evaluate every tracked condition
// in a single evaluator call and diff the resulting active set.
func (m *ConditionMonitor) checkConditions() {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	if len(m.conds) == 0 {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	conds := make([]TrackCondition, len(m.conds))
	copy(conds, m.conds)
	ctx := m.tickCtx
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	m.evaluate(ctx, conds, false)
}

// evaluate runs one pass over the given conditions. With seed set, an event
// is emitted for every condition regardless of its previous state; without
// it only edge transitions are reported. Evaluator failure aborts the pass
// with the active set untouched.
func (m *ConditionMonitor) evaluate(ctx context.Context, conds []TrackCondition, seed bool) {
	if len(conds) == 0 {
		return
	}

	trees := make([]*rules.RulesCondition, 0, len(conds))
	kept := make([]TrackCondition, 0, len(conds))
	for _, tc := range conds {
		if tc.Condition == nil || tc.Condition.ID == "" {
			continue
		}
		trees = append(trees, tc.Condition)
		kept = append(kept, tc)
	}
	if len(trees) == 0 {
		return
	}

	annotated, err := m.evaluator.Evaluate(ctx, trees, m.snapshot())
	if err != nil {
		log.Printf("condition monitor: evaluation failed, retrying next tick: %v", err)
		return
	}
	if len(annotated) != len(kept) {
		log.Printf("condition monitor: evaluator returned %d trees for %d conditions", len(annotated), len(kept))
		return
	}

	var events []ConditionEvent
	m.mu.Lock()
	for i, tc := range kept {
		id := tc.Condition.ID
		if !m.trackedLocked(id) {
			// Removed while the evaluator call was in flight.
			continue
		}
		isActive := rules.IsActived([]*rules.RulesCondition{annotated[i]})
		wasActive := m.active[id]

		state := Deactivated
		if isActive {
			state = Activated
		}

		switch {
		case isActive && !wasActive:
			m.active[id] = true
		case !isActive && wasActive:
			delete(m.active, id)
		case !seed:
			// No transition and not a seed pass: nothing to report.
			continue
		}

		events = append(events, ConditionEvent{
			ConditionID: id,
			ContentID:   tc.ContentID,
			ContentType: tc.ContentType,
			VersionID:   tc.VersionID,
			State:       state,
			Condition:   annotated[i],
		})
	}
	m.mu.Unlock()

	if m.onChange == nil {
		return
	}
	for _, ev := range events {
		m.onChange(ev)
	}
}

func (m *ConditionMonitor) trackedLocked(id string) bool {
	for _, tc := range m.conds {
		if tc.Condition != nil && tc.Condition.ID == id {
			return true
		}
	}
	return false
}

func (m *ConditionMonitor) removeLocked(id string) {
	n := 0
	for _, tc := range m.conds {
		if tc.Condition != nil && tc.Condition.ID == id {
			continue
		}
		m.conds[n] = tc
		n++
	}
	m.conds = m.conds[:n]
	delete(m.active, id)
}
