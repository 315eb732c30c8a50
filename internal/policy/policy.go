// Package policy evaluates agent tool-access policy.
//
// Patterns are exact tool names or a prefix with a trailing "*"
// (e.g. "crm_*"). Deliberately no glob or regex: prefix checks keep policy
// evaluation cheap and auditable. The deny list always overrides the allow
// list.
package policy

import "strings"

// Verdict is the outcome of a policy check.
type Verdict struct {
	Allowed bool
	// Reason explains the verdict in a form suitable for audit logs and
	// step traces.
	Reason string
}

// Evaluate checks toolName against the agent's allow/deny lists.
// An empty allow list allows nothing; an explicit entry or matching prefix
// pattern is required.
func Evaluate(allowed, denied []string, toolName string) Verdict {
	name := Normalize(toolName)

	if pattern, ok := match(denied, name); ok {
		return Verdict{Allowed: false, Reason: "tool denied by policy: " + pattern}
	}
	if _, ok := match(allowed, name); ok {
		return Verdict{Allowed: true, Reason: "tool in allow list"}
	}
	return Verdict{Allowed: false, Reason: "tool not in allow list"}
}

// Normalize canonicalizes a tool name for matching.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// match returns the first pattern that matches name.
func match(patterns []string, name string) (string, bool) {
	for _, pattern := range patterns {
		p := Normalize(pattern)
		if p == "" {
			continue
		}
		if p == "*" {
			return pattern, true
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
				return pattern, true
			}
			continue
		}
		if p == name {
			return pattern, true
		}
	}
	return "", false
}
