package template

import (
	"regexp"
	"strconv"
	"strings"
)

// ValueKind tags a node in the payload tree.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

// Value is one node of a payload tree: a string, number, bool, or nested map.
// Anything else decoded from a submission (arrays, nulls) becomes KindInvalid
// and never resolves.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    map[string]Value
}

// FromAny builds a Value tree from a decoded JSON payload.
func FromAny(v any) Value {
	switch t := v.(type) {
	case string:
		return Value{kind: KindString, str: t}
	case float64:
		return Value{kind: KindNumber, num: t}
	case int:
		return Value{kind: KindNumber, num: float64(t)}
	case int64:
		return Value{kind: KindNumber, num: float64(t)}
	case bool:
		return Value{kind: KindBool, b: t}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, child := range t {
			m[k] = FromAny(child)
		}
		return Value{kind: KindMap, m: m}
	default:
		return Value{kind: KindInvalid}
	}
}

// Kind returns the node's tag.
func (v Value) Kind() ValueKind { return v.kind }

// Lookup walks a dot-separated key path ("a.b.c") through nested maps.
func (v Value) Lookup(path string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		if cur.kind != KindMap {
			return Value{}, false
		}
		next, ok := cur.m[part]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Scalar renders a leaf value as placeholder text. Maps and invalid nodes
// have no scalar form and resolve as false.
func (v Value) Scalar() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Substitute replaces {{key.path}} placeholders in content with scalar values
// from the payload tree. Placeholders that do not resolve to a scalar are
// left as literal markers; the returned slice names them so the caller can
// log or enforce required fields.
func Substitute(content string, payload Value) (string, []string) {
	var unresolved []string
	seen := map[string]bool{}

	out := placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if val, ok := payload.Lookup(path); ok {
			if s, ok := val.Scalar(); ok {
				return s
			}
		}
		if !seen[path] {
			seen[path] = true
			unresolved = append(unresolved, path)
		}
		return match
	})
	return out, unresolved
}

// Placeholders lists the distinct key paths referenced by a template, in
// order of first appearance.
func Placeholders(content string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
