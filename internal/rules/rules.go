package rules

import (
	"context"
)

// Condition node types. Leaf types carry their payload in Data; Group nodes
// nest further conditions combined with the node's Operators.
const (
	TypeGroup       = "group"
	TypeUserAttr    = "user-attr"
	TypeCurrentPage = "current-page"
)

// Operator values for combining a group's children.
const (
	OperatorAnd = "and"
	OperatorOr  = "or"
)

// RulesCondition is a recursively structured boolean expression. The SDK
// treats leaf semantics as opaque: an Evaluator annotates each node with
// Actived and the SDK only reads the annotation back via IsActived.
type RulesCondition struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Operators  string            `json:"operators,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Actived    bool              `json:"actived,omitempty"`
	Conditions []*RulesCondition `json:"conditions,omitempty"`
}

// Clone returns a deep copy of the condition tree so an evaluator can
// annotate it without mutating the caller's copy.
func (c *RulesCondition) Clone() *RulesCondition {
	if c == nil {
		return nil
	}
	out := *c
	if len(c.Data) > 0 {
		out.Data = make(map[string]any, len(c.Data))
		for k, v := range c.Data {
			out.Data[k] = v
		}
	}
	if len(c.Conditions) > 0 {
		out.Conditions = make([]*RulesCondition, len(c.Conditions))
		for i, child := range c.Conditions {
			out.Conditions[i] = child.Clone()
		}
	}
	return &out
}

// CloneSlice deep-copies a slice of condition trees.
func CloneSlice(conds []*RulesCondition) []*RulesCondition {
	if conds == nil {
		return nil
	}
	out := make([]*RulesCondition, len(conds))
	for i, c := range conds {
		out[i] = c.Clone()
	}
	return out
}

// IsActived reports whether a slice of evaluator-annotated condition trees
// is active as a whole. Siblings at the top level combine with AND; groups
// combine their children according to the group's Operators.
func IsActived(conds []*RulesCondition) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !nodeActived(c) {
			return false
		}
	}
	return true
}

func nodeActived(c *RulesCondition) bool {
	if c == nil {
		return false
	}
	if len(c.Conditions) == 0 {
		return c.Actived
	}
	if c.Operators == OperatorOr {
		for _, child := range c.Conditions {
			if nodeActived(child) {
				return true
			}
		}
		return false
	}
	for _, child := range c.Conditions {
		if !nodeActived(child) {
			return false
		}
	}
	return true
}

// Context is the state snapshot an Evaluator sees for one evaluation pass.
type Context struct {
	Attributes map[string]any
	PageURL    string
}

// Evaluator annotates condition trees against a context snapshot. The input
// must not be mutated; implementations return annotated copies. A batch of
// trees is evaluated in one call so monitors pay one round-trip per tick
// regardless of how many conditions they track.
type Evaluator interface {
	Evaluate(ctx context.Context, conds []*RulesCondition, ec *Context) ([]*RulesCondition, error)
}
