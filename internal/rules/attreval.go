package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AttributeEvaluator implements leaf semantics over a flat attribute map and
// the current page URL. It covers the two leaf types the runner binary and
// tests need; monitors accept any Evaluator, so richer leaf kinds (element
// presence, wait timers) plug in without touching the monitors.
type AttributeEvaluator struct{}

func NewAttributeEvaluator() *AttributeEvaluator {
	return &AttributeEvaluator{}
}

func (e *AttributeEvaluator) Evaluate(ctx context.Context, conds []*RulesCondition, ec *Context) ([]*RulesCondition, error) {
	if ec == nil {
		ec = &Context{}
	}
	out := CloneSlice(conds)
	for _, c := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.annotate(c, ec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *AttributeEvaluator) annotate(c *RulesCondition, ec *Context) error {
	if c == nil {
		return nil
	}
	if len(c.Conditions) > 0 {
		for _, child := range c.Conditions {
			if err := e.annotate(child, ec); err != nil {
				return err
			}
		}
		c.Actived = nodeActived(c)
		return nil
	}

	switch c.Type {
	case TypeUserAttr:
		actived, err := evalUserAttr(c.Data, ec.Attributes)
		if err != nil {
			return fmt.Errorf("condition %s: %w", c.ID, err)
		}
		c.Actived = actived
	case TypeCurrentPage:
		c.Actived = evalCurrentPage(c.Data, ec.PageURL)
	default:
		return fmt.Errorf("condition %s: unsupported type %q", c.ID, c.Type)
	}
	return nil
}

func evalUserAttr(data map[string]any, attrs map[string]any) (bool, error) {
	name, _ := data["attr"].(string)
	if name == "" {
		return false, fmt.Errorf("user-attr condition missing attr name")
	}
	op, _ := data["operator"].(string)
	want := data["value"]
	got, present := attrs[name]

	switch op {
	case "empty":
		return !present || got == nil || got == "", nil
	case "not_empty":
		return present && got != nil && got != "", nil
	case "eq", "":
		return present && compareValues(got, want) == 0, nil
	case "ne":
		return !present || compareValues(got, want) != 0, nil
	case "gt":
		return present && compareValues(got, want) > 0, nil
	case "gte":
		return present && compareValues(got, want) >= 0, nil
	case "lt":
		return present && compareValues(got, want) < 0, nil
	case "lte":
		return present && compareValues(got, want) <= 0, nil
	case "contains":
		return present && strings.Contains(asString(got), asString(want)), nil
	case "not_contains":
		return !present || !strings.Contains(asString(got), asString(want)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func evalCurrentPage(data map[string]any, pageURL string) bool {
	pattern, _ := data["pattern"].(string)
	if pattern == "" {
		return false
	}
	if pattern == pageURL {
		return true
	}
	return strings.Contains(pageURL, pattern)
}

// compareValues orders two loosely typed values. Numbers compare
// numerically (JSON unmarshals them as float64), everything else compares
// as strings. Returns -1, 0, or 1; incomparable values compare as strings.
func compareValues(a, b any) int {
	if fa, aok := asFloat(a); aok {
		if fb, bok := asFloat(b); bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
