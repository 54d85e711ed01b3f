package command

import (
	"strings"
	"sync"
)

// Rule binds a pattern to the handler it selects.
type Rule[H any] struct {
	Pattern Pattern
	Handler H
}

// Registry collects rules until Compile turns them into a Matcher. H is the
// handler type chosen by the caller.
type Registry[H any] struct {
	mu    sync.Mutex
	rules []Rule[H]
}

// NewRegistry returns an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{}
}

// Register adds a rule. Registration order decides ties between rules that
// consume the same amount of input.
func (r *Registry[H]) Register(p Pattern, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, Rule[H]{Pattern: p, Handler: h})
}

// RegisterLiteral adds a rule matching text exactly.
func (r *Registry[H]) RegisterLiteral(text string, h H) {
	r.Register(Literal(text), h)
}

// Len returns the number of registered rules.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rules)
}

// Compile builds a matcher for prefix followed by exactly one registered
// rule and nothing else. The matcher holds a copy of the rules, so later
// registrations do not change it.
func (r *Registry[H]) Compile(prefix string) *Matcher[H] {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules := make([]Rule[H], len(r.rules))
	copy(rules, r.rules)
	alts := make([]Pattern, len(rules))
	for i, rule := range rules {
		alts[i] = rule.Pattern
	}
	return &Matcher[H]{prefix: prefix, rules: rules, alts: alts}
}

// Matcher is an immutable compiled grammar. It is safe for concurrent use.
type Matcher[H any] struct {
	prefix string
	rules  []Rule[H]
	alts   []Pattern
}

// Prefix returns the command prefix the matcher requires.
func (m *Matcher[H]) Prefix() string { return m.prefix }

// Len returns the number of rules in the snapshot.
func (m *Matcher[H]) Len() int { return len(m.rules) }

// Match parses chat text. It returns the handler of the rule that consumed
// the most input after the prefix, along with that rule's captures. The rule
// must consume the whole remaining text; trailing input is a failed match.
func (m *Matcher[H]) Match(text string) (h H, args []string, ok bool) {
	if !strings.HasPrefix(text, m.prefix) {
		return h, nil, false
	}
	i, end, out := longest(m.alts, text, len(m.prefix), nil)
	if i < 0 || end != len(text) {
		return h, nil, false
	}
	return m.rules[i].Handler, out, true
}

// String renders the grammar, one alternative per rule.
func (m *Matcher[H]) String() string {
	var b strings.Builder
	b.WriteString(literal(m.prefix).String())
	b.WriteString(" (")
	for i, p := range m.alts {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") $")
	return b.String()
}
