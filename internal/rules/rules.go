// Package rules evaluates instruction condition trees against event
// payloads. Matching is pure: no I/O, no clock, no mutation.
package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Operator is the comparison applied to one condition.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
)

// Condition is one (field path, operator, expected value) predicate. Field
// paths are dot-separated and resolved against nested event maps.
type Condition struct {
	Path  string
	Op    Operator
	Value any
}

// Parse decodes a conditions document into predicates. A bare literal value
// means equality; an object with "operator" and "value" selects the operator
// explicitly. Unknown operators parse fine and fail closed at match time.
// The empty document yields no conditions, which always matches.
func Parse(conditionsJSON string) ([]Condition, error) {
	if strings.TrimSpace(conditionsJSON) == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(conditionsJSON), &raw); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	out := make([]Condition, 0, len(raw))
	for path, expected := range raw {
		out = append(out, parseOne(path, expected))
	}
	return out, nil
}

func parseOne(path string, expected any) Condition {
	if obj, ok := expected.(map[string]any); ok {
		opName, hasOp := obj["operator"].(string)
		if hasOp {
			return Condition{Path: path, Op: Operator(opName), Value: obj["value"]}
		}
	}
	return Condition{Path: path, Op: OpEquals, Value: expected}
}

// Matches reports whether every condition holds against the event payload.
// No conditions means the rule fires unconditionally. A missing field path,
// an unknown operator, or a non-string value under a string operator all
// count as non-matches.
func Matches(conditions []Condition, event map[string]any) bool {
	for _, c := range conditions {
		if !matchOne(c, event) {
			return false
		}
	}
	return true
}

// MatchesJSON parses and evaluates in one step, treating an undecodable
// conditions document as a non-match.
func MatchesJSON(conditionsJSON string, event map[string]any) bool {
	conditions, err := Parse(conditionsJSON)
	if err != nil {
		return false
	}
	return Matches(conditions, event)
}

func matchOne(c Condition, event map[string]any) bool {
	actual, found := Resolve(event, c.Path)
	if !found {
		return false
	}
	switch c.Op {
	case OpEquals:
		return looselyEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(c.Value))
	default:
		return false
	}
}

// Resolve walks a dot-separated path through nested maps. The second return
// is false when any segment is missing or a non-map is traversed.
func Resolve(event map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = event
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looselyEqual compares a decoded event value with an expected literal.
// Scalars compare by their canonical string form so "42" and 42 agree the
// way loosely-typed event payloads expect; composites compare structurally.
func looselyEqual(actual, expected any) bool {
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	if isScalar(actual) && isScalar(expected) {
		return stringify(actual) == stringify(expected)
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// Drop the ".0" JSON decoding appends to integral numbers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
