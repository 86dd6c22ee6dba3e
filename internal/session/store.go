package session

import (
	"sync"
)

// Store is the local replica of server-owned session state. Server message
// handlers write to it; monitors and the trigger executor read from it.
// Reads and writes copy, so callers can never mutate the replica through a
// returned pointer. Racing pushes for the same session resolve as last
// message wins — the replica simply overwrites.
type Store struct {
	mu         sync.RWMutex
	flow       *FlowSession
	checklist  *ChecklistSession
	launchers  map[string]Launcher
	attributes map[string]any
}

func NewStore() *Store {
	return &Store{
		launchers:  make(map[string]Launcher),
		attributes: make(map[string]any),
	}
}

// SetFlowSession replaces the flow session snapshot. If notify is non-nil
// it runs under the write lock, so readers cannot observe the new state
// before the notification has been issued.
func (s *Store) SetFlowSession(f *FlowSession, notify func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = f.Clone()
	if notify != nil {
		notify()
	}
}

// UnsetFlowSession clears the flow session if it matches sessionID, or
// unconditionally when sessionID is empty. Returns whether anything changed.
func (s *Store) UnsetFlowSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == nil {
		return false
	}
	if sessionID != "" && s.flow.ID != sessionID {
		return false
	}
	s.flow = nil
	return true
}

func (s *Store) FlowSession() (*FlowSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flow == nil {
		return nil, false
	}
	return s.flow.Clone(), true
}

// SetFlowStep updates the current step of the active flow session. Returns
// false when no flow session is active or the session id does not match.
func (s *Store) SetFlowStep(sessionID string, stepIndex int, stepCvid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow == nil || (sessionID != "" && s.flow.ID != sessionID) {
		return false
	}
	s.flow.StepIndex = stepIndex
	s.flow.StepCvid = stepCvid
	return true
}

func (s *Store) SetChecklistSession(c *ChecklistSession, notify func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checklist = c.Clone()
	if notify != nil {
		notify()
	}
}

func (s *Store) UnsetChecklistSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checklist == nil {
		return false
	}
	if sessionID != "" && s.checklist.ID != sessionID {
		return false
	}
	s.checklist = nil
	return true
}

func (s *Store) ChecklistSession() (*ChecklistSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checklist == nil {
		return nil, false
	}
	return s.checklist.Clone(), true
}

// CompleteChecklistTask marks a task completed on the active checklist
// session. Returns false if the session or task is unknown.
func (s *Store) CompleteChecklistTask(sessionID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checklist == nil || (sessionID != "" && s.checklist.ID != sessionID) {
		return false
	}
	for i := range s.checklist.Tasks {
		if s.checklist.Tasks[i].ID == taskID {
			s.checklist.Tasks[i].Completed = true
			return true
		}
	}
	return false
}

func (s *Store) AddLauncher(l Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchers[l.ID] = l
}

func (s *Store) RemoveLauncher(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.launchers[id]; !ok {
		return false
	}
	delete(s.launchers, id)
	return true
}

func (s *Store) Launchers() []Launcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Launcher, 0, len(s.launchers))
	for _, l := range s.launchers {
		out = append(out, l)
	}
	return out
}

// SetAttribute records one user attribute in the local snapshot.
func (s *Store) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes[name] = value
}

// SetAttributes merges a batch of attributes into the snapshot.
func (s *Store) SetAttributes(attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range attrs {
		s.attributes[k] = v
	}
}

// Attributes returns a copy of the current attribute snapshot.
func (s *Store) Attributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}
