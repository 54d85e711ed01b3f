// Package bot is the owning logic of the chat bot. It binds handlers to the
// signals of the primary and whisper connections, performs the login
// handshake, records chat and turns matching messages into command calls.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/shodan/chat"
	"github.com/onnwee/shodan/command"
	"github.com/onnwee/shodan/credentials"
	"github.com/onnwee/shodan/irc"
	"github.com/onnwee/shodan/telemetry"
)

// WhisperPrefix marks a reply target as a private whisper to the named user,
// e.g. "whisper:alice".
const WhisperPrefix = "whisper:"

// Event is the context a command runs in.
type Event struct {
	Tags   irc.Tags
	Source irc.Source
	// Channel is where replies go: "#channel" or WhisperPrefix+user.
	Channel string
}

// CommandFunc handles a matched command. args are the captured tokens.
type CommandFunc func(ctx context.Context, b *Bot, ev *Event, args ...string) error

// Options configures a Bot.
type Options struct {
	Nick         string
	Channels     []string
	Capabilities []string
	// Credentials supplies the PASS password on every connect.
	Credentials credentials.Source
	Commands    *command.Matcher[CommandFunc]
	// Recorder stores channel messages. Optional.
	Recorder *chat.Recorder
	// WhisperChannel is the channel the /w command is sent to.
	WhisperChannel string
	Logger         *slog.Logger
}

// Bot owns the connections' behaviour.
type Bot struct {
	opts Options
	log  *slog.Logger

	primary *irc.Conn
	whisper *irc.Conn
}

// New builds a Bot. Call Attach with the connections before running them.
func New(opts Options) *Bot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WhisperChannel == "" {
		opts.WhisperChannel = "#jtv"
	}
	return &Bot{opts: opts, log: opts.Logger.With(slog.String("component", "bot"))}
}

// Attach sets the connections used by Send. whisper may be nil, in which
// case whispers go out over the primary connection.
func (b *Bot) Attach(primary, whisper *irc.Conn) {
	b.primary = primary
	b.whisper = whisper
}

// Handlers returns the signal table for the primary connection.
func (b *Bot) Handlers() *irc.Dispatcher {
	d := irc.NewDispatcher()
	d.Handle(irc.SignalConnect, b.onConnect(true))
	d.Handle(irc.SignalPrivmsg, b.onPrivmsg)
	d.Handle(irc.SignalCTCPAction, b.onAction)
	d.Handle(irc.SignalWhisper, b.onWhisper)
	d.Handle(irc.SignalCap, b.onCap)
	d.Handle(irc.SignalReconnect, onReconnect)
	d.Handle(irc.SignalNotice, b.onNotice)
	return d
}

// WhisperHandlers returns the signal table for the whisper connection. It
// logs in without joining any channel.
func (b *Bot) WhisperHandlers() *irc.Dispatcher {
	d := irc.NewDispatcher()
	d.Handle(irc.SignalConnect, b.onConnect(false))
	d.Handle(irc.SignalWhisper, b.onWhisper)
	d.Handle(irc.SignalCap, b.onCap)
	d.Handle(irc.SignalReconnect, onReconnect)
	d.Handle(irc.SignalNotice, b.onNotice)
	return d
}

func (b *Bot) onConnect(join bool) irc.HandlerFunc {
	return func(ctx context.Context, c *irc.Conn, _ *irc.Message) error {
		if b.opts.Credentials != nil {
			pass, err := b.opts.Credentials.Password(ctx)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := c.Pass(ctx, pass); err != nil {
				return err
			}
		}
		if err := c.Nick(ctx, b.opts.Nick); err != nil {
			return err
		}
		if join {
			for _, ch := range b.opts.Channels {
				if err := c.Join(ctx, ch); err != nil {
					return err
				}
			}
		}
		for _, capability := range b.opts.Capabilities {
			if err := c.CapReq(ctx, capability); err != nil {
				return err
			}
		}
		return nil
	}
}

func (b *Bot) onPrivmsg(ctx context.Context, _ *irc.Conn, m *irc.Message) error {
	if len(m.Params) < 2 {
		return nil
	}
	channel := m.Param(0)
	b.record(ctx, channel, m)
	return b.dispatch(ctx, &Event{Tags: m.Tags, Source: m.Source, Channel: channel}, m.Param(1))
}

// onAction records /me messages. They never carry commands.
func (b *Bot) onAction(ctx context.Context, _ *irc.Conn, m *irc.Message) error {
	b.record(ctx, m.Param(0), m)
	return nil
}

func (b *Bot) onWhisper(ctx context.Context, _ *irc.Conn, m *irc.Message) error {
	if len(m.Params) < 2 || m.Source.Nick == "" {
		return nil
	}
	ev := &Event{Tags: m.Tags, Source: m.Source, Channel: WhisperPrefix + m.Source.Nick}
	return b.dispatch(ctx, ev, m.Param(1))
}

func (b *Bot) onCap(ctx context.Context, c *irc.Conn, m *irc.Message) error {
	// CAP * ACK :twitch.tv/tags
	switch sub := strings.ToUpper(m.Param(1)); sub {
	case "ACK":
		b.log.Info("capability acknowledged", slog.String("conn", c.Name()), slog.String("cap", m.Param(2)))
	case "NAK":
		b.log.Warn("capability refused", slog.String("conn", c.Name()), slog.String("cap", m.Param(2)))
	default:
		b.log.Debug("cap", slog.String("conn", c.Name()), slog.String("sub", sub))
	}
	return nil
}

func (b *Bot) onNotice(ctx context.Context, c *irc.Conn, m *irc.Message) error {
	telemetry.LoggerWithCorr(ctx).Info("notice",
		slog.String("conn", c.Name()),
		slog.String("target", m.Param(0)),
		slog.String("msg_id", m.Tags["msg-id"]),
		slog.String("text", m.Trailing()))
	return nil
}

// onReconnect handles the server's request to reconnect. Closing the
// transport sends the connection through its normal reconnect cycle.
func onReconnect(_ context.Context, c *irc.Conn, _ *irc.Message) error {
	c.ForceClose()
	return nil
}

func (b *Bot) record(ctx context.Context, channel string, m *irc.Message) {
	if err := b.opts.Recorder.Record(ctx, channel, m); err != nil {
		b.log.Warn("chat record failed", slog.String("channel", channel), slog.Any("err", err))
	}
}

// dispatch runs the command matching text, if any.
func (b *Bot) dispatch(ctx context.Context, ev *Event, text string) error {
	if b.opts.Commands == nil {
		return nil
	}
	fn, args, ok := b.opts.Commands.Match(text)
	if !ok {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "shodan-bot", "bot.command",
		telemetry.ChannelAttr(ev.Channel))
	defer span.End()

	telemetry.RecordCommand(false)
	if err := fn(ctx, b, ev, args...); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("command %q: %w", text, err)
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// Send writes message to target. A target starting with WhisperPrefix is
// sent as a /w command on the whisper connection.
func (b *Bot) Send(ctx context.Context, target, message string) error {
	if user, ok := strings.CutPrefix(target, WhisperPrefix); ok {
		c := b.whisper
		if c == nil {
			c = b.primary
		}
		if c == nil {
			return irc.ErrNotConnected
		}
		return c.Privmsg(ctx, b.opts.WhisperChannel, "/w "+user+" "+message)
	}
	if b.primary == nil {
		return irc.ErrNotConnected
	}
	return b.primary.Privmsg(ctx, target, message)
}

// Reply sends message back to where ev came from.
func (b *Bot) Reply(ctx context.Context, ev *Event, message string) error {
	return b.Send(ctx, ev.Channel, message)
}
