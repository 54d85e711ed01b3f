package irc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/shodan/telemetry"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// DialFunc opens the transport. It has the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// InitialBackoff is the first reconnect delay; each failure doubles it.
const InitialBackoff = time.Second

// Options configures a Conn.
type Options struct {
	// Name labels logs and metrics, e.g. "primary" or "whisper".
	Name string
	Host string
	Port int
	// Dial defaults to a net.Dialer with a 10 second timeout.
	Dial     DialFunc
	Handlers *Dispatcher
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// MaxBackoff caps the reconnect delay. Zero means no cap.
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Conn is one long-lived IRC session. Run owns the receive loop and the
// reconnect cycle; the outbound primitives may be called from any goroutine.
type Conn struct {
	name     string
	host     string
	addr     string
	dial     DialFunc
	handlers *Dispatcher
	clock    clockwork.Clock
	log      *slog.Logger

	// backoff is only touched by the Run goroutine.
	backoff *backoff.ExponentialBackOff

	state atomic.Int32

	// wmu serialises writers so a slow flush never interleaves lines.
	wmu sync.Mutex

	mu        sync.Mutex
	transport net.Conn
	w         *bufio.Writer
	deadline  clockwork.Timer

	timeouts atomic.Int64
}

// NewConn builds a Conn. Nothing is dialed until Run.
func NewConn(opts Options) *Conn {
	if opts.Name == "" {
		opts.Name = "primary"
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if opts.MaxBackoff > 0 {
		b.MaxInterval = opts.MaxBackoff
	}
	b.Reset()

	c := &Conn{
		name:     opts.Name,
		host:     opts.Host,
		addr:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		dial:     opts.Dial,
		handlers: opts.Handlers,
		clock:    opts.Clock,
		log:      opts.Logger.With(slog.String("component", "irc"), slog.String("conn", opts.Name)),
		backoff:  b,
	}
	telemetry.SetConnectionState(c.name, int(StateIdle))
	return c
}

// Name returns the connection's label.
func (c *Conn) Name() string { return c.name }

// Host returns the configured server host.
func (c *Conn) Host() string { return c.host }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	telemetry.SetConnectionState(c.name, int(s))
}

// Run connects and keeps the session alive until ctx is canceled, which is
// the only way it returns. Dial failures and broken streams are logged and
// retried after the backoff delay: 1s, then doubling on every consecutive
// failure. Opening a transport and every parsed line reset the delay to 1s.
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.ForceClose() })
	defer stop()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return ctx.Err()
		}
		c.setState(StateIdle)
		wait := c.backoff.NextBackOff()
		telemetry.RecordReconnect(c.name)
		if IsExpectedClose(err) {
			c.log.Info("connection closed; reconnecting", slog.Duration("wait", wait), slog.Any("err", err))
		} else {
			c.log.Warn("connection failed; reconnecting", slog.Duration("wait", wait), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

// session runs one transport from dial to end of stream.
func (c *Conn) session(ctx context.Context) error {
	c.setState(StateConnecting)
	nc, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(StateFaulted)
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.attach(nc)
	defer c.detach(nc)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	sessionID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, sessionID)
	log := c.log.With(slog.String("session", sessionID))

	c.setState(StateOpen)
	c.backoff.Reset()
	log.Info("connected", slog.String("addr", c.addr))
	c.signal(ctx, log, &Message{Command: string(SignalConnect), Source: Source{Host: c.host}})

	r := bufio.NewReader(nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if line != "" {
				log.Debug("discarding partial line at end of stream", slog.Int("bytes", len(line)))
			}
			if IsExpectedClose(err) {
				c.setState(StateClosing)
			} else {
				c.setState(StateFaulted)
			}
			return fmt.Errorf("read: %w", err)
		}
		m, err := Parse(line)
		if errors.Is(err, ErrIncompleteLine) {
			log.Debug("discarding line without CRLF", slog.String("line", line))
			continue
		}
		if err != nil {
			telemetry.RecordParseError(c.name)
			log.Warn("dropping malformed line", slog.String("line", strings.TrimRight(line, "\r\n")), slog.Any("err", err))
			continue
		}
		c.backoff.Reset()
		telemetry.RecordLineReceived(c.name)
		c.handle(ctx, log, m)
	}
}

// handle applies the built-in protocol reactions and dispatches m.
func (c *Conn) handle(ctx context.Context, log *slog.Logger, m *Message) {
	if m.Source.Kind == SourceUnknown {
		m.Source.Host = c.host
	}
	switch Signal(m.Command) {
	case SignalPing:
		if len(m.Params) > 0 {
			if err := c.Pong(ctx, m.Param(0), m.Param(1)); err != nil {
				log.Warn("pong failed", slog.Any("err", err))
			}
		}
	case SignalPong:
		c.disarm()
	}
	if ctcp, ok := m.CTCP(); ok {
		m = ctcp
	}
	c.signal(ctx, log, m)
}

func (c *Conn) signal(ctx context.Context, log *slog.Logger, m *Message) {
	var (
		handled bool
		err     error
		label   = metricLabel(m.Command)
	)
	ctx, span := telemetry.StartSpan(ctx, "shodan-irc", "irc.dispatch", telemetry.ConnAttr(c.name), telemetry.SignalAttr(label))
	defer span.End()
	telemetry.TimeFunc(telemetry.HandlerObserver(label), func() {
		handled, err = c.handlers.Dispatch(ctx, c, m)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		log.Error("handler failed", slog.String("signal", m.Command), slog.Any("err", err))
	} else if !handled {
		log.Debug("no handler", slog.String("signal", m.Command))
	}
}

func (c *Conn) attach(nc net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = nc
	c.w = bufio.NewWriter(nc)
}

// detach drops nc if it is still the current transport and closes it.
func (c *Conn) detach(nc net.Conn) {
	c.mu.Lock()
	if c.transport == nc {
		c.transport = nil
		c.w = nil
		stopTimer(c.deadline)
		c.deadline = nil
	}
	c.mu.Unlock()
	_ = nc.Close()
}

// ForceClose closes the current transport, if any. The receive loop sees the
// end of stream and reconnects after the backoff delay. It is the only way to
// interrupt a session.
func (c *Conn) ForceClose() {
	c.mu.Lock()
	nc := c.transport
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
}

// write sends one line and flushes it before returning.
func (c *Conn) write(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(line, "\x00\r\n") {
		return ErrInvalidLine
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	nc, w := c.transport, c.w
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetWriteDeadline(dl)
		defer func() { _ = nc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	telemetry.RecordLineSent(c.name)
	return nil
}

// keepalive arms the PONG deadline for the current transport and sends a
// PING. The deadline is armed first so a fast PONG always finds it.
func (c *Conn) keepalive(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	nc, old := c.transport, c.deadline
	c.deadline = nil
	c.mu.Unlock()
	stopTimer(old)
	if nc == nil {
		return ErrNotConnected
	}

	t := c.clock.AfterFunc(timeout, func() { c.expire(nc) })
	c.mu.Lock()
	if c.transport == nc {
		c.deadline = t
	} else {
		t.Stop()
	}
	c.mu.Unlock()

	if err := c.Ping(ctx, c.host, ""); err != nil {
		c.disarm()
		return err
	}
	return nil
}

// disarm cancels a pending keepalive deadline. Safe to call when the
// deadline already fired or was never armed.
func (c *Conn) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopTimer(c.deadline)
	c.deadline = nil
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

// expire runs when no PONG arrived in time for the session using nc.
func (c *Conn) expire(nc net.Conn) {
	c.mu.Lock()
	current := c.transport == nc
	if current {
		c.deadline = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.timeouts.Add(1)
	telemetry.RecordKeepaliveTimeout(c.name)
	c.log.Warn("keepalive timeout; closing transport")
	_ = nc.Close()
}
