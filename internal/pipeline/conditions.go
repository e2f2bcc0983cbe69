package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// EvaluateCondition evaluates a condition rule against the pipeline context.
// A nil rule is true: unconditioned steps always run. Leaf rules look up
// Field as a dotted path into the context ("search.score", "media.kind") and
// compare against Value; composite rules combine their children with
// LogicalOp, defaulting to AND.
func EvaluateCondition(rule *models.ConditionRule, pctx models.ContextMap) (bool, error) {
	if rule == nil {
		return true, nil
	}

	if len(rule.Conditions) > 0 {
		return evaluateComposite(rule, pctx)
	}
	return evaluateLeaf(rule, pctx)
}

func evaluateComposite(rule *models.ConditionRule, pctx models.ContextMap) (bool, error) {
	op := rule.LogicalOp
	if op == "" {
		op = models.LogicalAnd
	}

	for i := range rule.Conditions {
		ok, err := EvaluateCondition(&rule.Conditions[i], pctx)
		if err != nil {
			return false, err
		}
		switch op {
		case models.LogicalAnd:
			if !ok {
				return false, nil
			}
		case models.LogicalOr:
			if ok {
				return true, nil
			}
		default:
			return false, &ConditionError{Message: fmt.Sprintf("unknown logical operator %q", op)}
		}
	}
	// AND with no short-circuit means all held; OR means none did.
	return op == models.LogicalAnd, nil
}

func evaluateLeaf(rule *models.ConditionRule, pctx models.ContextMap) (bool, error) {
	if rule.Field == "" {
		return false, &ConditionError{Message: "leaf rule has no field"}
	}

	value, found := lookupPath(pctx, rule.Field)

	switch rule.Operator {
	case models.OpEqual:
		if !found {
			return rule.Value == nil, nil
		}
		return looselyEqual(value, rule.Value), nil

	case models.OpNotEqual:
		if !found {
			return rule.Value != nil, nil
		}
		return !looselyEqual(value, rule.Value), nil

	case models.OpGreaterThan, models.OpLessThan, models.OpGreaterOrEqual, models.OpLessOrEqual:
		if !found {
			return false, nil
		}
		return compareOrdered(rule.Field, rule.Operator, value, rule.Value)

	case models.OpIn:
		return found && valueInList(value, rule.Value), nil

	case models.OpNotIn:
		// Absent fields are not in any list.
		return !found || !valueInList(value, rule.Value), nil

	case models.OpContains:
		if !found {
			return false, nil
		}
		return containsValue(value, rule.Value), nil

	case models.OpMatches:
		if !found {
			return false, nil
		}
		pattern, ok := rule.Value.(string)
		if !ok {
			return false, &ConditionError{Field: rule.Field, Message: "matches requires a string pattern"}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &ConditionError{Field: rule.Field, Message: fmt.Sprintf("invalid pattern: %v", err)}
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil

	default:
		return false, &ConditionError{Field: rule.Field, Message: fmt.Sprintf("unknown operator %q", rule.Operator)}
	}
}

// lookupPath resolves a dotted path through nested maps. The second return
// reports whether the full path resolved.
func lookupPath(pctx models.ContextMap, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(pctx)
	for _, part := range parts {
		var m map[string]any
		switch typed := current.(type) {
		case map[string]any:
			m = typed
		case models.ContextMap:
			m = typed
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// looselyEqual compares values the way JSON round trips leave them: numbers
// compare numerically across int/float representations, everything else with
// string forms when types differ.
func looselyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(field string, op models.ConditionOperator, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case models.OpGreaterThan:
			return af > bf, nil
		case models.OpLessThan:
			return af < bf, nil
		case models.OpGreaterOrEqual:
			return af >= bf, nil
		case models.OpLessOrEqual:
			return af <= bf, nil
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch op {
		case models.OpGreaterThan:
			return as > bs, nil
		case models.OpLessThan:
			return as < bs, nil
		case models.OpGreaterOrEqual:
			return as >= bs, nil
		case models.OpLessOrEqual:
			return as <= bs, nil
		}
	}

	return false, &ConditionError{Field: field, Message: fmt.Sprintf("cannot order %T against %T", a, b)}
}

func valueInList(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looselyEqual(value, item) {
			return true
		}
	}
	return false
}

// containsValue handles both string containment and slice membership.
func containsValue(haystack, needle any) bool {
	switch typed := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(typed, s)
	case []any:
		for _, item := range typed {
			if looselyEqual(item, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range typed {
			if item == s {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
