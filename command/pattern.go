// Package command compiles chat command grammars into a single matcher.
//
// Patterns are small greedy combinators that never backtrack: every pattern
// consumes the most it can at its position and commits to it. Alternation
// (Or, and the top level of a compiled Matcher) tries every alternative and
// keeps the one that consumed the most input; equal lengths go to the
// alternative listed first.
package command

import (
	"strconv"
	"strings"
)

// Pattern consumes a prefix of input starting at pos. On success it returns
// the position after the consumed text and args extended with whatever the
// pattern captures. Implementations must not modify args' existing elements.
type Pattern interface {
	Consume(input string, pos int, args []string) (end int, out []string, ok bool)
	String() string
}

type literal string

// Literal matches s exactly. It captures nothing.
func Literal(s string) Pattern { return literal(s) }

func (l literal) Consume(input string, pos int, args []string) (int, []string, bool) {
	if !strings.HasPrefix(input[pos:], string(l)) {
		return pos, args, false
	}
	return pos + len(l), args, true
}

func (l literal) String() string { return strconv.Quote(string(l)) }

type seq []Pattern

// Seq matches each pattern in turn. It fails as soon as one part fails.
func Seq(parts ...Pattern) Pattern { return seq(parts) }

func (s seq) Consume(input string, pos int, args []string) (int, []string, bool) {
	base := len(args)
	for _, p := range s {
		var ok bool
		pos, args, ok = p.Consume(input, pos, args)
		if !ok {
			return pos, args[:base], false
		}
	}
	return pos, args, true
}

func (s seq) String() string {
	parts := make([]string, len(s))
	for i, p := range s {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ")
}

type optional struct{ p Pattern }

// Optional matches p if it can, and otherwise matches the empty string.
func Optional(p Pattern) Pattern { return optional{p} }

func (o optional) Consume(input string, pos int, args []string) (int, []string, bool) {
	if end, out, ok := o.p.Consume(input, pos, args); ok {
		return end, out, true
	}
	return pos, args, true
}

func (o optional) String() string { return "[" + o.p.String() + "]" }

type or []Pattern

// Or matches the alternative that consumes the most input. Ties go to the
// alternative listed first.
func Or(alts ...Pattern) Pattern { return or(alts) }

func (o or) Consume(input string, pos int, args []string) (int, []string, bool) {
	i, end, out := longest(o, input, pos, args)
	if i < 0 {
		return pos, args, false
	}
	return end, out, true
}

func (o or) String() string {
	parts := make([]string, len(o))
	for i, p := range o {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

// longest runs every alternative from pos and returns the index of the one
// that ended furthest, with its end and captures. The index is -1 when none
// matched.
func longest(alts []Pattern, input string, pos int, args []string) (int, int, []string) {
	best, bestEnd := -1, -1
	var bestArgs []string
	for i, p := range alts {
		// Each alternative gets its own copy so captures cannot leak between them.
		scratch := append(make([]string, 0, len(args)+2), args...)
		end, out, ok := p.Consume(input, pos, scratch)
		if ok && end > bestEnd {
			best, bestEnd, bestArgs = i, end, out
		}
	}
	return best, bestEnd, bestArgs
}

type span struct {
	name  string
	valid func(byte) bool
}

func (s span) run(input string, pos int) int {
	end := pos
	for end < len(input) && s.valid(input[end]) {
		end++
	}
	return end
}

type capture struct{ span }

func (c capture) Consume(input string, pos int, args []string) (int, []string, bool) {
	end := c.run(input, pos)
	if end == pos {
		return pos, args, false
	}
	return end, append(args, input[pos:end]), true
}

func (c capture) String() string { return "<" + c.name + ">" }

// Word captures a run of one or more characters other than space.
func Word() Pattern {
	return capture{span{"word", func(c byte) bool { return c != ' ' }}}
}

type skip struct{ span }

func (s skip) Consume(input string, pos int, args []string) (int, []string, bool) {
	end := s.run(input, pos)
	return end, args, end > pos
}

func (s skip) String() string { return "_" }

// Space matches one or more spaces. It captures nothing.
func Space() Pattern {
	return skip{span{"space", func(c byte) bool { return c == ' ' }}}
}

type integer struct{}

// Int captures a decimal integer with an optional leading sign.
func Int() Pattern { return integer{} }

func (integer) Consume(input string, pos int, args []string) (int, []string, bool) {
	end := pos
	if end < len(input) && (input[end] == '-' || input[end] == '+') {
		end++
	}
	digits := end
	for end < len(input) && input[end] >= '0' && input[end] <= '9' {
		end++
	}
	if end == digits {
		return pos, args, false
	}
	return end, append(args, input[pos:end]), true
}

func (integer) String() string { return "<int>" }

type rest struct{}

// Rest captures everything up to the end of the input. It needs at least one
// character.
func Rest() Pattern { return rest{} }

func (rest) Consume(input string, pos int, args []string) (int, []string, bool) {
	if pos >= len(input) {
		return pos, args, false
	}
	return len(input), append(args, input[pos:]), true
}

func (rest) String() string { return "<rest>" }
