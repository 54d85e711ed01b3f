package bot

import (
	"context"
	"testing"

	"github.com/onnwee/shodan/irc"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		name             string
		tags             irc.Tags
		broadcaster, mod bool
		subscriber       bool
	}{
		{"viewer", irc.Tags{"badges": ""}, false, false, false},
		{"mod tag", irc.Tags{"mod": "1"}, false, true, false},
		{"mod badge", irc.Tags{"badges": "moderator/1"}, false, true, false},
		{"broadcaster", irc.Tags{"badges": "broadcaster/1,subscriber/0"}, true, true, true},
		{"subscriber tag", irc.Tags{"subscriber": "1"}, false, false, true},
		{"founder", irc.Tags{"badges": "founder/0"}, false, false, true},
		{"no tags", nil, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := &Event{Tags: tc.tags}
			if got := IsBroadcaster(ev); got != tc.broadcaster {
				t.Errorf("IsBroadcaster = %v", got)
			}
			if got := IsModerator(ev); got != tc.mod {
				t.Errorf("IsModerator = %v", got)
			}
			if got := IsSubscriber(ev); got != tc.subscriber {
				t.Errorf("IsSubscriber = %v", got)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	var calls []string
	inner := func(_ context.Context, _ *Bot, _ *Event, args ...string) error {
		calls = append(calls, "inner:"+args[0])
		return nil
	}
	fallback := func(_ context.Context, _ *Bot, _ *Event, args ...string) error {
		calls = append(calls, "fallback:"+args[0])
		return nil
	}
	guarded := Require(IsModerator, fallback, inner)
	ctx := context.Background()

	_ = guarded(ctx, nil, &Event{Tags: irc.Tags{"mod": "1"}}, "a")
	_ = guarded(ctx, nil, &Event{}, "b")
	_ = Require(IsModerator, nil, inner)(ctx, nil, &Event{}, "c")

	want := []string{"inner:a", "fallback:b"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %q, want %q", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestAny(t *testing.T) {
	p := Any(IsBroadcaster, IsSubscriber)
	if !p(&Event{Tags: irc.Tags{"subscriber": "1"}}) {
		t.Error("subscriber rejected")
	}
	if p(&Event{Tags: irc.Tags{"mod": "1"}}) {
		t.Error("moderator accepted")
	}
	if Any()(&Event{}) {
		t.Error("empty Any holds")
	}
}
