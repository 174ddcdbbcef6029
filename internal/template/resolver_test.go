package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstituteNestedPaths(t *testing.T) {
	payload := FromAny(map[string]any{
		"user": map[string]any{
			"name": "Ada",
			"stats": map[string]any{
				"score": float64(97),
				"pro":   true,
			},
		},
	})

	out, unresolved := Substitute("{{user.name}} scored {{user.stats.score}} (pro={{ user.stats.pro }})", payload)
	require.Equal(t, "Ada scored 97 (pro=true)", out)
	require.Empty(t, unresolved)
}

func TestSubstituteLeavesUnresolvedMarkers(t *testing.T) {
	payload := FromAny(map[string]any{"name": "Ada"})

	out, unresolved := Substitute("{{name}} / {{missing.path}} / {{missing.path}}", payload)
	require.Equal(t, "Ada / {{missing.path}} / {{missing.path}}", out)
	require.Equal(t, []string{"missing.path"}, unresolved)
}

func TestSubstituteMapIsNotAScalar(t *testing.T) {
	payload := FromAny(map[string]any{
		"user": map[string]any{"name": "Ada"},
	})

	out, unresolved := Substitute("hello {{user}}", payload)
	require.Equal(t, "hello {{user}}", out)
	require.Equal(t, []string{"user"}, unresolved)
}

func TestSubstituteArraysNeverResolve(t *testing.T) {
	payload := FromAny(map[string]any{"tags": []any{"a", "b"}})

	_, unresolved := Substitute("{{tags}}", payload)
	require.Equal(t, []string{"tags"}, unresolved)
}

func TestNumberFormatting(t *testing.T) {
	v := FromAny(map[string]any{"n": 2.5, "i": float64(12)})

	out, _ := Substitute("{{n}}-{{i}}", v)
	require.Equal(t, "2.5-12", out)
}

func TestLookup(t *testing.T) {
	v := FromAny(map[string]any{"a": map[string]any{"b": "c"}})

	got, ok := v.Lookup("a.b")
	require.True(t, ok)
	s, ok := got.Scalar()
	require.True(t, ok)
	require.Equal(t, "c", s)

	_, ok = v.Lookup("a.b.c")
	require.False(t, ok)
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{a}} {{b.c}} {{a}}")
	require.Equal(t, []string{"a", "b.c"}, got)
}
