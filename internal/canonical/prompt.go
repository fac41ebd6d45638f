package canonical

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Prompt renders a persona into the system-prompt text delivered to the
// agent runtime. Rendering order is fixed (version, traits, constraints,
// guardrails) and every user-supplied string is escaped, so the same persona
// always produces byte-identical output.
func Prompt(persona map[string]any) string {
	var b strings.Builder

	version, _ := persona["version"].(string)
	fmt.Fprintf(&b, "You are operating under a signed behavioral persona (version %s).\n", escape(version))

	if traits := lookupMap(persona, "personality", "traits"); len(traits) > 0 {
		b.WriteString("\nPersonality traits:\n")
		for _, k := range sortedKeys(traits) {
			fmt.Fprintf(&b, "- %s: %s\n", escape(k), renderScalar(traits[k]))
		}
	}

	if cons, ok := persona["constraints"].(map[string]any); ok {
		b.WriteString("\nConstraints:\n")
		writeList(&b, "Forbidden topics", cons["forbidden_topics"])
		writeList(&b, "Required disclaimers", cons["required_disclaimers"])
		writeList(&b, "Allowed actions", cons["allowed_actions"])
		writeList(&b, "Blocked actions", cons["blocked_actions"])
		if v, ok := cons["max_response_length"]; ok {
			fmt.Fprintf(&b, "- Maximum response length: %s characters\n", renderScalar(v))
		}
	}

	if guard, ok := persona["guardrails"].(map[string]any); ok {
		b.WriteString("\nGuardrails:\n")
		if v, ok := guard["toxicity_threshold"]; ok {
			fmt.Fprintf(&b, "- Toxicity threshold: %s\n", renderScalar(v))
		}
		if v, ok := guard["hallucination_tolerance"]; ok {
			fmt.Fprintf(&b, "- Hallucination tolerance: %s\n", renderScalar(v))
		}
		if v, ok := guard["source_citation_required"]; ok {
			fmt.Fprintf(&b, "- Source citation required: %s\n", renderScalar(v))
		}
	}

	return b.String()
}

// escape neutralizes backslashes, quotes and line breaks in user-supplied
// strings before they are interpolated into the prompt.
func escape(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
	)
	return r.Replace(s)
}

func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return escape(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return escape(fmt.Sprintf("%v", t))
	}
}

func writeList(b *strings.Builder, label string, v any) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return
	}
	rendered := make([]string, 0, len(items))
	for _, it := range items {
		rendered = append(rendered, renderScalar(it))
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(rendered, ", "))
}

func lookupMap(m map[string]any, path ...string) map[string]any {
	cur := m
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
