package canonical_test

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/agentvault/agentvault/internal/canonical"
)

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	b, err := canonical.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestMarshal_sortsMapKeys(t *testing.T) {
	got := mustMarshal(t, map[string]any{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]any{"b": 1, "a": 2},
	})
	want := `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_orderIndependent(t *testing.T) {
	// Two JSON documents with the same contents in different key order must
	// canonicalize identically.
	var a, b map[string]any
	if err := json.Unmarshal([]byte(`{"x":1,"y":{"p":0.5,"q":[1,2]}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"y":{"q":[1,2],"p":0.5},"x":1}`), &b); err != nil {
		t.Fatal(err)
	}
	if mustMarshal(t, a) != mustMarshal(t, b) {
		t.Error("canonical form differs for equivalent maps")
	}
}

func TestMarshal_preservesSequenceOrder(t *testing.T) {
	got := mustMarshal(t, []any{"c", "a", "b"})
	if got != `["c","a","b"]` {
		t.Errorf("sequence order not preserved: %s", got)
	}
}

func TestMarshal_floatRounding(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.1 + 0.2, "0.3"},
		{4.9e-11, "0"},
		{-4.9e-11, "0"},
		{1.00000000004, "1"},
		{0.9, "0.9"},
		{3.0, "3"},
		{1234.5, "1234.5"},
	}
	for _, c := range cases {
		got := mustMarshal(t, c.in)
		if got != c.want {
			t.Errorf("Marshal(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestMarshal_nullAndBool(t *testing.T) {
	got := mustMarshal(t, map[string]any{"a": nil, "b": true, "c": false})
	if got != `{"a":null,"b":true,"c":false}` {
		t.Errorf("unexpected: %s", got)
	}
}

func TestMarshal_rejectsNonFinite(t *testing.T) {
	if _, err := canonical.Marshal(map[string]any{"x": math.NaN()}); err == nil {
		t.Error("NaN must be rejected")
	}
	if _, err := canonical.Marshal(map[string]any{"x": math.Inf(1)}); err == nil {
		t.Error("Inf must be rejected")
	}
}

func TestMarshal_idempotent(t *testing.T) {
	v := map[string]any{"traits": map[string]any{"helpfulness": 0.9}, "version": "1.0.0"}
	first := mustMarshal(t, v)
	second := mustMarshal(t, v)
	if first != second {
		t.Error("canonicalization not deterministic")
	}
}

func TestSign_verifyRoundTrip(t *testing.T) {
	persona := map[string]any{
		"version":     "1.0.0",
		"personality": map[string]any{"traits": map[string]any{"helpfulness": 0.9}},
	}
	key := []byte("avk_test_key_1234567890abcdef")

	tag, err := canonical.Sign(persona, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(tag) != 64 {
		t.Errorf("tag length = %d, want 64", len(tag))
	}
	if tag != strings.ToLower(tag) {
		t.Error("tag is not lowercase hex")
	}

	ok, err := canonical.Verify(persona, key, tag)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Verify rejected a valid tag")
	}

	ok, err = canonical.Verify(persona, []byte("avk_other_key"), tag)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Verify accepted a tag signed under a different key")
	}
}

func TestEqualConstantTime_lengthMismatch(t *testing.T) {
	if canonical.EqualConstantTime("abc", "abcd") {
		t.Error("unequal lengths must not compare equal")
	}
}

func TestPrompt_deterministicAndEscaped(t *testing.T) {
	persona := map[string]any{
		"version": "1.2.0",
		"personality": map[string]any{
			"traits": map[string]any{"zeal": 0.5, "calm": 0.8},
		},
		"constraints": map[string]any{
			"forbidden_topics":    []any{`weapons "n" stuff`, "line\nbreak"},
			"max_response_length": float64(2000),
		},
		"guardrails": map[string]any{
			"toxicity_threshold":       0.2,
			"hallucination_tolerance":  "strict",
			"source_citation_required": true,
		},
	}

	p1 := canonical.Prompt(persona)
	p2 := canonical.Prompt(persona)
	if p1 != p2 {
		t.Fatal("prompt rendering not deterministic")
	}

	if strings.Contains(p1, "line\nbreak") {
		t.Error("raw newline leaked into prompt")
	}
	if !strings.Contains(p1, `\"n\"`) {
		t.Error("quotes not escaped in prompt")
	}
	if !strings.Contains(p1, "version 1.2.0") {
		t.Error("version missing from prompt")
	}

	// Fixed section order: version, traits, constraints, guardrails.
	iTraits := strings.Index(p1, "Personality traits")
	iCons := strings.Index(p1, "Constraints")
	iGuard := strings.Index(p1, "Guardrails")
	if !(iTraits < iCons && iCons < iGuard) {
		t.Errorf("section order wrong: traits=%d constraints=%d guardrails=%d", iTraits, iCons, iGuard)
	}
	// Traits sorted by name.
	if strings.Index(p1, "calm") > strings.Index(p1, "zeal") {
		t.Error("traits not sorted by name")
	}
}
