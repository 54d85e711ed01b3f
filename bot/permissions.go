package bot

import (
	"context"
	"strings"

	"github.com/onnwee/shodan/telemetry"
)

// Predicate decides whether the sender of ev may run a command.
type Predicate func(ev *Event) bool

// Require runs inner when pred holds and fallback otherwise. A nil fallback
// ignores the message.
func Require(pred Predicate, fallback, inner CommandFunc) CommandFunc {
	return func(ctx context.Context, b *Bot, ev *Event, args ...string) error {
		if pred(ev) {
			return inner(ctx, b, ev, args...)
		}
		telemetry.RecordCommand(true)
		if fallback == nil {
			return nil
		}
		return fallback(ctx, b, ev, args...)
	}
}

// Any holds when at least one of preds does.
func Any(preds ...Predicate) Predicate {
	return func(ev *Event) bool {
		for _, p := range preds {
			if p(ev) {
				return true
			}
		}
		return false
	}
}

// IsBroadcaster reports whether the sender owns the channel.
func IsBroadcaster(ev *Event) bool { return hasBadge(ev, "broadcaster") }

// IsModerator reports whether the sender is a moderator. The broadcaster
// counts as one.
func IsModerator(ev *Event) bool {
	return ev.Tags["mod"] == "1" || hasBadge(ev, "moderator") || IsBroadcaster(ev)
}

// IsSubscriber reports whether the sender subscribes to the channel.
func IsSubscriber(ev *Event) bool {
	return ev.Tags["subscriber"] == "1" || hasBadge(ev, "subscriber") || hasBadge(ev, "founder")
}

// hasBadge looks for name in the badges tag, e.g. "broadcaster/1,subscriber/12".
func hasBadge(ev *Event, name string) bool {
	for _, b := range strings.Split(ev.Tags["badges"], ",") {
		if badge, _, _ := strings.Cut(b, "/"); badge == name {
			return true
		}
	}
	return false
}
