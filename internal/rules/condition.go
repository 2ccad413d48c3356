package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition is a parsed boolean expression tree node. Conditions are parsed
// once at pack load time and evaluated recursively against a context map;
// they are never interpreted as executable code.
type Condition interface {
	Eval(ctx map[string]any) (bool, error)
}

// Comparison operators supported by leaf conditions.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpIn       = "in"
	OpAnyIn    = "any_in"
	OpAllIn    = "all_in"
	OpContains = "contains"
	OpExists   = "exists"
	OpMatches  = "matches"
)

type andNode struct {
	children []Condition
}

func (n *andNode) Eval(ctx map[string]any) (bool, error) {
	for _, c := range n.children {
		ok, err := c.Eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type orNode struct {
	children []Condition
}

func (n *orNode) Eval(ctx map[string]any) (bool, error) {
	for _, c := range n.children {
		ok, err := c.Eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type notNode struct {
	child Condition
}

func (n *notNode) Eval(ctx map[string]any) (bool, error) {
	ok, err := n.child.Eval(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

type existsNode struct {
	path string
}

func (n *existsNode) Eval(ctx map[string]any) (bool, error) {
	_, ok := lookupPath(ctx, n.path)
	return ok, nil
}

type matchNode struct {
	path string
	re   *regexp.Regexp
}

func (n *matchNode) Eval(ctx map[string]any) (bool, error) {
	value, ok := lookupPath(ctx, n.path)
	if !ok {
		return false, fmt.Errorf("path %q not found in context", n.path)
	}
	s, ok := value.(string)
	if !ok {
		return false, fmt.Errorf("path %q is not a string", n.path)
	}
	return n.re.MatchString(s), nil
}

type cmpNode struct {
	path  string
	op    string
	value any
}

func (n *cmpNode) Eval(ctx map[string]any) (bool, error) {
	actual, ok := lookupPath(ctx, n.path)
	if !ok {
		return false, fmt.Errorf("path %q not found in context", n.path)
	}

	switch n.op {
	case OpEq:
		return looseEqual(actual, n.value), nil
	case OpNe:
		return !looseEqual(actual, n.value), nil
	case OpLt, OpLte, OpGt, OpGte:
		return compareOrdered(actual, n.value, n.op)
	case OpIn:
		list, err := asList(n.value, n.path)
		if err != nil {
			return false, err
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case OpAnyIn, OpAllIn:
		actualList, err := asList(actual, n.path)
		if err != nil {
			return false, err
		}
		valueList, err := asList(n.value, n.path)
		if err != nil {
			return false, err
		}
		return evalSetOp(actualList, valueList, n.op == OpAllIn), nil
	case OpContains:
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("path %q is not a string", n.path)
		}
		sub, ok := n.value.(string)
		if !ok {
			return false, fmt.Errorf("contains value for path %q is not a string", n.path)
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

// evalSetOp reports whether all (or any) of want appear in have.
func evalSetOp(have, want []any, all bool) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if looseEqual(h, w) {
				found = true
				break
			}
		}
		if all && !found {
			return false
		}
		if !all && found {
			return true
		}
	}
	return all
}

// lookupPath resolves a dotted path through nested string-keyed maps.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func compareOrdered(a, b any, op string) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpLt:
			return af < bf, nil
		case OpLte:
			return af <= bf, nil
		case OpGt:
			return af > bf, nil
		case OpGte:
			return af >= bf, nil
		}
	}

	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if aok2 && bok2 {
		switch op {
		case OpLt:
			return as < bs, nil
		case OpLte:
			return as <= bs, nil
		case OpGt:
			return as > bs, nil
		case OpGte:
			return as >= bs, nil
		}
	}

	return false, fmt.Errorf("operands of %q are not comparable (%T vs %T)", op, a, b)
}

func asList(v any, path string) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("path %q does not hold a list", path)
}

// ParseCondition turns the declarative condition form (decoded YAML/JSON)
// into a typed expression tree.
func ParseCondition(raw map[string]any) (Condition, error) {
	if raw == nil {
		return nil, fmt.Errorf("condition is empty")
	}

	if children, ok := raw["all"]; ok {
		return parseGroup(children, true)
	}
	if children, ok := raw["any"]; ok {
		return parseGroup(children, false)
	}
	if child, ok := raw["not"]; ok {
		childMap, ok := child.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not: expected a nested condition")
		}
		inner, err := ParseCondition(childMap)
		if err != nil {
			return nil, err
		}
		return &notNode{child: inner}, nil
	}

	return parseLeaf(raw)
}

func parseGroup(children any, all bool) (Condition, error) {
	list, ok := children.([]any)
	if !ok {
		return nil, fmt.Errorf("all/any: expected a list of conditions")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("all/any: empty condition list")
	}
	parsed := make([]Condition, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("all/any: expected a nested condition, got %T", item)
		}
		c, err := ParseCondition(m)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, c)
	}
	if all {
		return &andNode{children: parsed}, nil
	}
	return &orNode{children: parsed}, nil
}

func parseLeaf(raw map[string]any) (Condition, error) {
	path, _ := raw["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("condition leaf is missing a path")
	}
	op, _ := raw["op"].(string)
	if op == "" {
		return nil, fmt.Errorf("condition on %q is missing an operator", path)
	}

	switch op {
	case OpExists:
		return &existsNode{path: path}, nil
	case OpMatches:
		pattern, ok := raw["value"].(string)
		if !ok {
			return nil, fmt.Errorf("matches condition on %q needs a string pattern", path)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches condition on %q: %w", path, err)
		}
		return &matchNode{path: path, re: re}, nil
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpAnyIn, OpAllIn, OpContains:
		value, ok := raw["value"]
		if !ok {
			return nil, fmt.Errorf("condition %s on %q is missing a value", op, path)
		}
		return &cmpNode{path: path, op: op, value: value}, nil
	default:
		return nil, fmt.Errorf("unknown operator %q on path %q", op, path)
	}
}
