package session

import (
	"time"
)

// FlowSession is the local snapshot of one running flow, as last pushed by
// the server. The server is the authority; the SDK only mirrors it.
type FlowSession struct {
	ID         string         `json:"id"`
	ContentID  string         `json:"contentId"`
	VersionID  string         `json:"versionId"`
	StepIndex  int            `json:"stepIndex"`
	StepCvid   string         `json:"stepCvid,omitempty"`
	State      string         `json:"state,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ChecklistTask is one item inside a checklist session.
type ChecklistTask struct {
	ID        string `json:"id"`
	Completed bool   `json:"completed"`
	Visible   bool   `json:"visible"`
}

// ChecklistSession mirrors the server-side checklist state.
type ChecklistSession struct {
	ID        string          `json:"id"`
	ContentID string          `json:"contentId"`
	VersionID string          `json:"versionId"`
	Hidden    bool            `json:"hidden"`
	Tasks     []ChecklistTask `json:"tasks,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Launcher identifies one launcher the server asked the client to show.
type Launcher struct {
	ID        string `json:"id"`
	ContentID string `json:"contentId"`
}

// Clone returns a deep copy of the flow session.
func (f *FlowSession) Clone() *FlowSession {
	if f == nil {
		return nil
	}
	c := *f
	if len(f.Attributes) > 0 {
		c.Attributes = make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy of the checklist session.
func (c *ChecklistSession) Clone() *ChecklistSession {
	if c == nil {
		return nil
	}
	out := *c
	if len(c.Tasks) > 0 {
		out.Tasks = make([]ChecklistTask, len(c.Tasks))
		copy(out.Tasks, c.Tasks)
	}
	return &out
}
