package bot

import (
	"context"

	"github.com/onnwee/shodan/command"
)

// RegisterDefaults adds the stock commands:
//
//	advice          -> "Go left."
//	bad[ ]advice    -> "Go right."
func RegisterDefaults(r *command.Registry[CommandFunc]) {
	r.RegisterLiteral("advice", replyWith("Go left."))
	r.Register(command.Seq(
		command.Literal("bad"),
		command.Optional(command.Literal(" ")),
		command.Literal("advice"),
	), replyWith("Go right."))
}

func replyWith(text string) CommandFunc {
	return func(ctx context.Context, b *Bot, ev *Event, _ ...string) error {
		return b.Reply(ctx, ev, text)
	}
}
