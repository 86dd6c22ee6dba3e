package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/usertour/usertour-go/internal/rules"
	"github.com/usertour/usertour-go/internal/timer"
)

// RuleEvent reports one edge transition on a tracked rule.
type RuleEvent struct {
	RuleID string
	State  State
	Rule   *rules.RulesCondition
}

// RuleMonitor is the sibling of ConditionMonitor operating over plain rule
// trees keyed by rule id. Both transition directions mutate the active set
// first and emit second, matching ConditionMonitor, so handlers always
// observe state consistent with the event they received.
type RuleMonitor struct {
	evaluator rules.Evaluator
	scheduler *timer.Scheduler
	snapshot  ContextFunc
	onChange  func(RuleEvent)

	mu       sync.Mutex
	ruleSet  []*rules.RulesCondition
	active   map[string]bool
	tick     timer.Handle
	tickCtx  context.Context
	inFlight bool
}

func NewRuleMonitor(evaluator rules.Evaluator, scheduler *timer.Scheduler, snapshot ContextFunc, onChange func(RuleEvent)) *RuleMonitor {
	return &RuleMonitor{
		evaluator: evaluator,
		scheduler: scheduler,
		snapshot:  snapshot,
		onChange:  onChange,
		active:    make(map[string]bool),
	}
}

// AddRules inserts rules, replacing any existing rule with the same id,
// then runs a seed pass over exactly the new entries.
func (m *RuleMonitor) AddRules(ctx context.Context, list []*rules.RulesCondition) {
	if len(list) == 0 {
		return
	}

	m.mu.Lock()
	for _, r := range list {
		if r == nil || r.ID == "" {
			continue
		}
		m.removeLocked(r.ID)
		m.ruleSet = append(m.ruleSet, r)
	}
	m.mu.Unlock()

	m.evaluate(ctx, list, true)
}

// RemoveRules drops rules by id from both the rule list and the active set.
func (m *RuleMonitor) RemoveRules(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.removeLocked(id)
	}
}

// ClearRules empties both structures.
func (m *RuleMonitor) ClearRules() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleSet = nil
	m.active = make(map[string]bool)
}

// Rules returns a copy of the tracked rule list.
func (m *RuleMonitor) Rules() []*rules.RulesCondition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rules.RulesCondition, len(m.ruleSet))
	copy(out, m.ruleSet)
	return out
}

// Start begins polling; any prior ticker is stopped first.
func (m *RuleMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.mu.Lock()
	if m.tick != 0 {
		m.scheduler.Cancel(m.tick)
	}
	m.tickCtx = ctx
	m.tick = m.scheduler.Every(interval, m.checkRules)
	m.mu.Unlock()
}

// Stop halts polling, keeping rule and activation state.
func (m *RuleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick != 0 {
		m.scheduler.Cancel(m.tick)
		m.tick = 0
	}
}

func (m *RuleMonitor) checkRules() {
	m.mu.Lock()
	if m.inFlight || len(m.ruleSet) == 0 {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	ruleSet := make([]*rules.RulesCondition, len(m.ruleSet))
	copy(ruleSet, m.ruleSet)
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
	m.evaluate(ctx, ruleSet, false)
}

func (m *RuleMonitor) evaluate(ctx context.Context, ruleSet []*rules.RulesCondition, seed bool) {
	kept := make([]*rules.RulesCondition, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r != nil && r.ID != "" {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return
	}

	annotated, err := m.evaluator.Evaluate(ctx, kept, m.snapshot())
	if err != nil {
		log.Printf("rule monitor: evaluation failed, retrying next tick: %v", err)
		return
	}
	if len(annotated) != len(kept) {
		log.Printf("rule monitor: evaluator returned %d trees for %d rules", len(annotated), len(kept))
		return
	}

	var events []RuleEvent
	m.mu.Lock()
	for i, r := range kept {
		if !m.trackedLocked(r.ID) {
			continue
		}
		isActive := rules.IsActived([]*rules.RulesCondition{annotated[i]})
		wasActive := m.active[r.ID]

		state := Deactivated
		if isActive {
			state = Activated
		}

		switch {
		case isActive && !wasActive:
			m.active[r.ID] = true
		case !isActive && wasActive:
			delete(m.active, r.ID)
		case !seed:
			continue
		}

		events = append(events, RuleEvent{RuleID: r.ID, State: state, Rule: annotated[i]})
	}
	m.mu.Unlock()

	if m.onChange == nil {
		return
	}
	for _, ev := range events {
		m.onChange(ev)
	}
}

func (m *RuleMonitor) trackedLocked(id string) bool {
	for _, r := range m.ruleSet {
		if r != nil && r.ID == id {
			return true
		}
	}
	return false
}

func (m *RuleMonitor) removeLocked(id string) {
	n := 0
	for _, r := range m.ruleSet {
		if r != nil && r.ID == id {
			continue
		}
		m.ruleSet[n] = r
		n++
	}
	m.ruleSet = m.ruleSet[:n]
	delete(m.active, id)
}
