package irc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
)

// Signal names a protocol event a handler can be bound to. Wire commands map
// to the signal of the same (lowercased) name; CTCP frames map to
// "ctcp_<tag>"; SignalConnect is raised once per opened transport.
type Signal string

const (
	SignalConnect    Signal = "connect"
	SignalPing       Signal = "ping"
	SignalPong       Signal = "pong"
	SignalPrivmsg    Signal = "privmsg"
	SignalNotice     Signal = "notice"
	SignalJoin       Signal = "join"
	SignalPart       Signal = "part"
	SignalCap        Signal = "cap"
	SignalWhisper    Signal = "whisper"
	SignalUserNotice Signal = "usernotice"
	SignalRoomState  Signal = "roomstate"
	SignalClearChat  Signal = "clearchat"
	SignalReconnect  Signal = "reconnect"
	SignalCTCPAction Signal = "ctcp_action"
	SignalWelcome    Signal = "001"
)

// knownSignals are the signal names metrics keep as their own label value.
var knownSignals = map[Signal]struct{}{
	SignalConnect: {}, SignalPing: {}, SignalPong: {}, SignalPrivmsg: {},
	SignalNotice: {}, SignalJoin: {}, SignalPart: {}, SignalCap: {},
	SignalWhisper: {}, SignalUserNotice: {}, SignalRoomState: {},
	SignalClearChat: {}, SignalReconnect: {}, SignalCTCPAction: {},
	"userstate": {}, "globaluserstate": {}, "clearmsg": {}, "hosttarget": {}, "mode": {},
}

// metricLabel folds a message command into a bounded label set. CTCP tags and
// commands come off the wire, so anything unrecognised shares one bucket.
func metricLabel(command string) string {
	if _, ok := knownSignals[Signal(command)]; ok {
		return command
	}
	if isNumeric(command) {
		return command
	}
	if strings.HasPrefix(command, "ctcp_") {
		return "ctcp_other"
	}
	return "other"
}

func isNumeric(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// HandlerFunc reacts to one message on the connection that received it.
type HandlerFunc func(ctx context.Context, c *Conn, m *Message) error

// Dispatcher maps signals to handlers. Bind everything with Handle before the
// connections start; the table is read without locking afterwards.
type Dispatcher struct {
	handlers map[Signal]HandlerFunc
}

// NewDispatcher returns an empty table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Signal]HandlerFunc)}
}

// Handle binds fn to sig, replacing any earlier binding.
func (d *Dispatcher) Handle(sig Signal, fn HandlerFunc) {
	d.handlers[sig] = fn
}

// Lookup returns the handler bound to sig.
func (d *Dispatcher) Lookup(sig Signal) (HandlerFunc, bool) {
	if d == nil {
		return nil, false
	}
	fn, ok := d.handlers[sig]
	return fn, ok
}

// Dispatch runs the handler bound to m's command. An unbound signal is not an
// error. A panicking handler is recovered and reported as an error so one bad
// message cannot take down the receive loop.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, m *Message) (handled bool, err error) {
	fn, ok := d.Lookup(Signal(m.Command))
	if !ok {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("irc handler panic", slog.String("signal", m.Command), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler %s panicked: %v", m.Command, r)
		}
	}()
	return true, fn(ctx, c, m)
}
