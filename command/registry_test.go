package command

import (
	"reflect"
	"sync"
	"testing"
)

func badAdvice() Pattern {
	return Seq(Literal("bad"), Optional(Literal(" ")), Literal("advice"))
}

func TestLongestMatchWinsInEitherOrder(t *testing.T) {
	orders := map[string]func(r *Registry[string]){
		"short first": func(r *Registry[string]) {
			r.RegisterLiteral("bad", "bad")
			r.Register(badAdvice(), "bad advice")
		},
		"long first": func(r *Registry[string]) {
			r.Register(badAdvice(), "bad advice")
			r.RegisterLiteral("bad", "bad")
		},
	}
	for name, register := range orders {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry[string]()
			register(r)
			m := r.Compile("@")

			for text, want := range map[string]string{
				"@bad advice": "bad advice",
				"@badadvice":  "bad advice",
				"@bad":        "bad",
			} {
				h, args, ok := m.Match(text)
				if !ok || h != want {
					t.Errorf("Match(%q) = %q, %v; want %q", text, h, ok, want)
				}
				if len(args) != 0 {
					t.Errorf("Match(%q) args = %q, want none", text, args)
				}
			}
		})
	}
}

func TestTieGoesToFirstRegistered(t *testing.T) {
	r := NewRegistry[int]()
	r.RegisterLiteral("ping", 1)
	r.Register(Seq(Literal("pi"), Literal("ng")), 2)
	r.Register(Word(), 3)

	m := r.Compile("!")
	if h, _, ok := m.Match("!ping"); !ok || h != 1 {
		t.Errorf("Match(!ping) = %d, %v; want 1", h, ok)
	}
	if h, args, ok := m.Match("!pong"); !ok || h != 3 || !reflect.DeepEqual(args, []string{"pong"}) {
		t.Errorf("Match(!pong) = %d, %q, %v", h, args, ok)
	}
}

func TestMatchRequiresEndOfInput(t *testing.T) {
	r := NewRegistry[string]()
	r.RegisterLiteral("advice", "advice")
	m := r.Compile("@")

	if h, args, ok := m.Match("@advice"); !ok || h != "advice" || len(args) != 0 {
		t.Errorf("Match(@advice) = %q, %q, %v", h, args, ok)
	}
	for _, text := range []string{"@advicex", "@advice ", "advice", "@", "", "@@advice", "#advice", "@Advice"} {
		if _, _, ok := m.Match(text); ok {
			t.Errorf("Match(%q) succeeded", text)
		}
	}
}

func TestCaptures(t *testing.T) {
	r := NewRegistry[string]()
	r.Register(Seq(Literal("give"), Space(), Word(), Space(), Int()), "give")
	r.Register(Seq(Literal("say"), Space(), Rest()), "say")
	r.Register(Seq(Literal("roll"), Optional(Seq(Space(), Int()))), "roll")
	m := r.Compile("@")

	tests := []struct {
		text string
		h    string
		args []string
	}{
		{"@give alice 10", "give", []string{"alice", "10"}},
		{"@give  bob   -3", "give", []string{"bob", "-3"}},
		{"@say hello there friend", "say", []string{"hello there friend"}},
		{"@roll", "roll", nil},
		{"@roll 20", "roll", []string{"20"}},
	}
	for _, tt := range tests {
		h, args, ok := m.Match(tt.text)
		if !ok || h != tt.h {
			t.Errorf("Match(%q) = %q, %v; want %q", tt.text, h, ok, tt.h)
			continue
		}
		if len(args) != len(tt.args) || (len(args) > 0 && !reflect.DeepEqual(args, tt.args)) {
			t.Errorf("Match(%q) args = %q, want %q", tt.text, args, tt.args)
		}
	}

	for _, text := range []string{"@give alice", "@give alice ten", "@say", "@say ", "@roll x"} {
		if h, args, ok := m.Match(text); ok {
			t.Errorf("Match(%q) = %q, %q; want no match", text, h, args)
		}
	}
}

func TestPatternsDoNotBacktrack(t *testing.T) {
	// Rest consumes everything, so nothing can follow it.
	p := Seq(Rest(), Literal("x"))
	if _, _, ok := p.Consume("abcx", 0, nil); ok {
		t.Error("Seq(Rest, x) matched; combinators must not backtrack")
	}

	// A failed sequence leaves no captures behind.
	args := []string{"kept"}
	_, out, ok := Seq(Word(), Literal("!")).Consume("abc", 0, args)
	if ok || !reflect.DeepEqual(out, []string{"kept"}) {
		t.Errorf("failed Seq returned %q, %v", out, ok)
	}
}

func TestOrPicksLongest(t *testing.T) {
	p := Or(Literal("a"), Literal("ab"), Seq(Literal("a"), Word()))
	end, args, ok := p.Consume("abc", 0, nil)
	if !ok || end != 3 || !reflect.DeepEqual(args, []string{"bc"}) {
		t.Errorf("Or.Consume = %d, %q, %v", end, args, ok)
	}
	if _, _, ok := Or().Consume("x", 0, nil); ok {
		t.Error("empty Or matched")
	}
}

func TestCompileSnapshotsRules(t *testing.T) {
	r := NewRegistry[string]()
	r.RegisterLiteral("one", "one")
	first := r.Compile("@")
	r.RegisterLiteral("two", "two")
	second := r.Compile("@")

	if _, _, ok := first.Match("@two"); ok {
		t.Error("rule registered after Compile leaked into the earlier matcher")
	}
	if first.Len() != 1 || second.Len() != 2 {
		t.Errorf("Len = %d, %d", first.Len(), second.Len())
	}
	if h, _, ok := second.Match("@two"); !ok || h != "two" {
		t.Errorf("second.Match(@two) = %q, %v", h, ok)
	}
}

func TestEmptyRegistryMatchesNothing(t *testing.T) {
	m := NewRegistry[func()]().Compile("@")
	if _, _, ok := m.Match("@anything"); ok {
		t.Error("empty matcher matched")
	}
}

func TestMatcherConcurrentUse(t *testing.T) {
	r := NewRegistry[string]()
	r.Register(Seq(Literal("echo"), Space(), Rest()), "echo")
	m := r.Compile("@")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, args, ok := m.Match("@echo hi"); !ok || args[0] != "hi" {
					t.Errorf("concurrent Match = %q, %v", args, ok)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestMatcherString(t *testing.T) {
	r := NewRegistry[int]()
	r.RegisterLiteral("advice", 0)
	r.Register(badAdvice(), 1)
	want := `"@" ("advice" | "bad" [" "] "advice") $`
	if got := r.Compile("@").String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}
